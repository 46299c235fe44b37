package sources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultIdleTimeout ends follow mode after the scanner stops appending.
const defaultIdleTimeout = 30 * time.Second

// MasscanSource parses masscan grepable output ("Host: <ip> ... Ports:
// <port>/open/..."). With Follow set it tails the file while the port scan
// is still writing, ending after IdleTimeout without new data.
type MasscanSource struct {
	Path        string
	Follow      bool
	IdleTimeout time.Duration
}

func (m *MasscanSource) Name() string { return "masscan" }

// ParseGrepableLine extracts one candidate from a grepable output line.
// Lines without an open port, comments, and malformed addresses are
// skipped.
func ParseGrepableLine(line string) (Candidate, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, "Host:") {
		return Candidate{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(line, "Host:"))
	if len(fields) == 0 {
		return Candidate{}, false
	}
	ip := fields[0]
	if net.ParseIP(ip) == nil {
		return Candidate{}, false
	}

	idx := strings.Index(line, "Ports:")
	if idx < 0 {
		return Candidate{}, false
	}

	var ports []int
	for _, entry := range strings.Split(line[idx+len("Ports:"):], ",") {
		parts := strings.Split(strings.TrimSpace(entry), "/")
		if len(parts) < 2 || parts[1] != "open" {
			continue
		}
		port, err := strconv.Atoi(parts[0])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		if !containsPort(ports, port) {
			ports = append(ports, port)
		}
	}
	if len(ports) == 0 {
		return Candidate{}, false
	}

	return Candidate{
		IP:              ip,
		PrimaryPort:     ports[0],
		AdditionalPorts: ports[1:],
		Promising:       false,
		Origin:          "masscan",
	}, true
}

func (m *MasscanSource) Discover(ctx context.Context, out chan<- Candidate) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("open masscan file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	pending := ""

	emitLine := func(line string) error {
		if c, ok := ParseGrepableLine(line); ok {
			return emit(ctx, out, c)
		}
		return nil
	}

	// drain reads everything currently in the file, carrying a trailing
	// partial line across calls.
	drain := func() error {
		for {
			chunk, rerr := reader.ReadString('\n')
			if strings.HasSuffix(chunk, "\n") {
				line := pending + chunk
				pending = ""
				if perr := emitLine(line); perr != nil {
					return perr
				}
			} else {
				pending += chunk
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					return nil
				}
				return rerr
			}
		}
	}

	if !m.Follow {
		if err := drain(); err != nil {
			return err
		}
		return emitLine(pending)
	}

	// The watch starts before the first read so appends landing during the
	// initial drain still raise an event.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("masscan follow: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.Path)); err != nil {
		return fmt.Errorf("masscan follow: %w", err)
	}

	if err := drain(); err != nil {
		return err
	}

	idle := m.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	base := filepath.Base(m.Path)
	log.Info().Str("path", m.Path).Dur("idle_timeout", idle).Msg("Following masscan output")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return emitLine(pending)
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := drain(); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return emitLine(pending)
			}
			log.Warn().Err(werr).Msg("Masscan follow watcher error")
		case <-timer.C:
			return emitLine(pending)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

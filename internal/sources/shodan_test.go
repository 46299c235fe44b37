package sources

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func testShodanSource(baseURL string) *ShodanSource {
	src := NewShodanSource("test-key")
	src.BaseURL = baseURL
	src.BackoffUnit = time.Millisecond
	return src
}

func TestShodanPaginationAndDedupe(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path != "/shodan/host/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("api key missing from request")
		}
		query := r.URL.Query().Get("query")
		page := r.URL.Query().Get("page")

		w.Header().Set("Content-Type", "application/json")
		switch {
		case query == shodanQueries[0] && page == "1":
			fmt.Fprint(w, `{"matches":[
				{"ip_str":"203.0.113.9","port":11434},
				{"ip_str":"203.0.113.9","port":8080},
				{"ip_str":"198.51.100.7","port":11434}
			],"total":150}`)
		case query == shodanQueries[0] && page == "2":
			fmt.Fprint(w, `{"matches":[{"ip_str":"203.0.113.9","port":9000}],"total":150}`)
		default:
			fmt.Fprint(w, `{"matches":[],"total":0}`)
		}
	}))
	defer srv.Close()

	got := collect(t, testShodanSource(srv.URL))
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}

	first := got[0]
	if first.IP != "203.0.113.9" || first.PrimaryPort != 11434 {
		t.Errorf("first candidate = %+v", first)
	}
	if !reflect.DeepEqual(first.AdditionalPorts, []int{8080, 9000}) {
		t.Errorf("additional ports = %v, want [8080 9000]", first.AdditionalPorts)
	}
	if !first.Promising {
		t.Error("shodan candidates must be promising")
	}
	if got[1].IP != "198.51.100.7" {
		t.Errorf("second candidate = %+v", got[1])
	}

	// Two pages for the first query, one empty page for each of the rest.
	if n := atomic.LoadInt32(&requests); n != int32(1+len(shodanQueries)) {
		t.Errorf("requests = %d, want %d", n, 1+len(shodanQueries))
	}
}

func TestShodanRateLimitBackoff(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.URL.Query().Get("query") == shodanQueries[0] {
			fmt.Fprint(w, `{"matches":[{"ip_str":"203.0.113.9","port":11434}],"total":1}`)
			return
		}
		fmt.Fprint(w, `{"matches":[],"total":0}`)
	}))
	defer srv.Close()

	got := collect(t, testShodanSource(srv.URL))
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	// Two 429s, the successful retry, then one page per remaining query.
	if n := atomic.LoadInt32(&requests); n != int32(2+len(shodanQueries)) {
		t.Errorf("requests = %d, want %d", n, 2+len(shodanQueries))
	}
}

func TestShodanFailedQuerySkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == shodanQueries[0] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("query") == shodanQueries[1] {
			fmt.Fprint(w, `{"matches":[{"ip_str":"198.51.100.7","port":11434}],"total":1}`)
			return
		}
		fmt.Fprint(w, `{"matches":[],"total":0}`)
	}))
	defer srv.Close()

	got := collect(t, testShodanSource(srv.URL))
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1 from the surviving query", len(got))
	}
	if got[0].IP != "198.51.100.7" {
		t.Errorf("candidate = %+v", got[0])
	}
}

func TestShodanRateLimitExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	// Every query rate-limits out; Discover still returns nil.
	got := collect(t, testShodanSource(srv.URL))
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0", len(got))
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tt1a44a/modelnet/internal/dispatch"
)

var chatOpts struct {
	user        string
	system      string
	temperature float64
	maxTokens   int
	noHistory   bool
	timeout     time.Duration
	verbose     bool
}

var chatCmd = &cobra.Command{
	Use:   "chat <model> <prompt>",
	Short: "Forward a prompt to an endpoint hosting a model",
	Long: `Resolves the model selector (a numeric model id or a name substring)
to the most recently verified endpoint hosting it and forwards the prompt.`,
	Args: cobra.ExactArgs(2),
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.user, "user", "cli", "user id recorded with the chat")
	f.StringVar(&chatOpts.system, "system", "", "system prompt")
	f.Float64Var(&chatOpts.temperature, "temperature", 0.7, "sampling temperature")
	f.IntVar(&chatOpts.maxTokens, "max-tokens", 500, "response token cap")
	f.BoolVar(&chatOpts.noHistory, "no-history", false, "skip recording the chat")
	f.DurationVar(&chatOpts.timeout, "timeout", dispatch.DefaultChatTimeout, "total forward deadline")
	f.BoolVarP(&chatOpts.verbose, "verbose", "v", false, "debug logging")
}

func runChat(cmd *cobra.Command, args []string) error {
	_, store, err := setup("chat", chatOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := dispatch.NewWithTimeout(store, chatOpts.timeout)
	reply, err := svc.Chat(context.Background(), dispatch.Request{
		Selector:     args[0],
		UserID:       chatOpts.user,
		Prompt:       args[1],
		SystemPrompt: chatOpts.system,
		Temperature:  chatOpts.temperature,
		MaxTokens:    chatOpts.maxTokens,
		SaveHistory:  !chatOpts.noHistory,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s @ %s\n\n", reply.Target.ModelName, reply.Target.Address())
	fmt.Println(reply.Content)
	if tps := reply.TokensPerSecond(); tps > 0 {
		fmt.Printf("\n%d tokens in %s (%.1f tok/s)\n",
			reply.EvalCount, reply.Elapsed.Round(time.Millisecond), tps)
	} else {
		fmt.Printf("\nanswered in %s\n", reply.Elapsed.Round(time.Millisecond))
	}
	return nil
}

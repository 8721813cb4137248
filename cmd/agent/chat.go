package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"estate-ai/internal/adapter/tui/chat"
	"estate-ai/internal/domain"
)

var (
	chatConversation string
	askConversation  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Open an interactive terminal chat. Logs written to stderr or stdout
and stdout traces are discarded while the chat owns the screen; point
logger.output at a file, or use the file trace exporter, to keep them.`,
	RunE: runChat,
}

var askCmd = &cobra.Command{
	Use:   `ask "<query>"`,
	Short: "Answer a single question and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", chat.DefaultConversationID, "conversation id to resume")
	askCmd.Flags().StringVar(&askConversation, "conversation", "cli", "conversation id")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	switch strings.ToLower(cfg.Logger.Output) {
	case "", "stderr", "stdout":
		cfg.Logger.Output = "discard"
	}
	if cfg.Tracer.Exporter == "stdout" {
		cfg.Tracer.Enabled = false
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a, cfg.Server.ShutdownGrace)

	tui := chat.NewTUIChannel(chatConversation, defaultModel(cfg), a.logger)
	return tui.Start(ctx, a.router.Handle)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a, cfg.Server.ShutdownGrace)

	return ask(ctx, a.router.Handle, askConversation, strings.Join(args, " "), cmd.OutOrStdout())
}

// ask sends one query through handler and prints the reply. A failed turn
// still prints the user-facing error notice before returning the cause.
func ask(ctx context.Context, handler domain.MessageHandler, conversationID, query string, out io.Writer) error {
	reply, err := handler(ctx, domain.InboundMessage{
		ChannelName:    "cli",
		ConversationID: conversationID,
		Content:        query,
	})
	if reply.Content != "" {
		fmt.Fprintln(out, reply.Content)
	}
	return err
}

func closeApp(a *app, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}

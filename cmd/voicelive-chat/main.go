// Package main provides a terminal client for live voice conversations
// against the hiring-platform realtime gateway.
//
// Usage:
//
//	go run ./cmd/voicelive-chat [flags]
//
// Environment variables:
//
//	VOICELIVE_BASE_URL - Required, platform base URL
//	VOICELIVE_API_KEY  - Required, platform credential
//
// Controls:
//
//	/interrupt   - Stop agent playback immediately
//	/end         - End the conversation and flush the transcript
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hiresim/voicelive/pkg/audio"
	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
	"github.com/hiresim/voicelive/pkg/recovery"
	voicelive "github.com/hiresim/voicelive/sdk"
)

func main() {
	_ = godotenv.Load()

	conversationID := flag.String("conversation", "", "conversation ID (defaults to a fresh UUID)")
	purpose := flag.String("purpose", "screening", "conversation purpose")
	greeting := flag.String("greeting", "Hi! I'm ready to start whenever you are.", "agent opening line")
	resume := flag.Bool("resume", false, "resume recoverable progress without prompting")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if os.Getenv("VOICELIVE_BASE_URL") == "" {
		fmt.Fprintln(os.Stderr, "VOICELIVE_BASE_URL required")
		os.Exit(1)
	}
	if os.Getenv("VOICELIVE_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "VOICELIVE_API_KEY required")
		os.Exit(1)
	}

	if *conversationID == "" {
		*conversationID = uuid.NewString()
	}

	if err := run(logger, *conversationID, *purpose, *greeting, *resume); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, conversationID, purpose, greeting string, autoResume bool) error {
	if !audio.CheckSupport() {
		return fmt.Errorf("no capture-capable audio backend on this machine")
	}

	speaker, err := audio.NewSpeaker()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer speaker.Close()

	stateDir, err := recovery.DefaultDir()
	if err != nil {
		return err
	}
	store, err := recovery.NewFileStore(stateDir)
	if err != nil {
		return err
	}

	client := voicelive.NewClient(voicelive.WithLogger(logger))
	var session *voicelive.Session
	session, err = client.NewSession(voicelive.SessionConfig{
		ConversationID: conversationID,
		Purpose:        purpose,
		Greeting:       greeting,
		Store:          store,
		Sink:           speaker,
		OnState: func(state types.ConnectionState) {
			fmt.Printf("\r[%s]\n", state)
		},
		OnTranscript: func(messages []types.TranscriptMessage) {
			if len(messages) == 0 {
				return
			}
			last := messages[len(messages)-1]
			fmt.Printf("%s: %s\n", last.Role, last.Text)
		},
		OnError: func(err *core.Error) {
			fmt.Println("!", err.UserMessage)
			// session is assigned before any connect attempt can fail.
			if err.IsRetryable() && session != nil {
				go session.Retry()
			}
		},
	})
	if err != nil {
		return err
	}
	defer session.Disconnect()

	if progress := session.Recoverable(); progress != nil {
		if autoResume || promptYesNo(fmt.Sprintf("Found a recoverable session with %d messages. Resume?", len(progress.Transcript))) {
			session.Resume()
		}
	}

	fmt.Printf("Conversation %s (%s). Speak naturally; /interrupt cuts the agent off, /end finishes.\n", conversationID, purpose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := session.Connect(ctx); err != nil {
		fmt.Println("!", core.Categorize(err).UserMessage)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return endConversation(session)
		case line, ok := <-lines:
			if !ok {
				return endConversation(session)
			}
			switch line {
			case "/interrupt":
				session.InterruptPlayback()
			case "/end", "q":
				return endConversation(session)
			case "":
			default:
				fmt.Println("commands: /interrupt, /end")
			}
		}
	}
}

func endConversation(session *voicelive.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := session.EndConversation(ctx); err != nil {
		// The conversation is over locally either way; the transcript stays
		// recoverable until a later flush succeeds.
		fmt.Println("transcript flush failed; progress kept locally:", err)
		return nil
	}
	fmt.Println("Conversation ended; transcript flushed.")
	return nil
}

func promptYesNo(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

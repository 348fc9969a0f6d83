// Package main is a terminal client for live voice conversations.
//
// It captures microphone audio, streams it to the Gemini Live API, and plays
// the synthesized replies while printing transcripts as turns complete.
//
// Usage:
//
//	go run ./cmd/vocalis
//
// Environment variables:
//
//	GEMINI_API_KEY            - Required
//	VOCALIS_GEMINI_MODEL      - Optional model override
//	VOCALIS_GEMINI_VOICE      - Optional voice override
//	VOCALIS_SYSTEM_INSTRUCTION - Optional system prompt
//
// Controls:
//
//	i - Interrupt the assistant
//	q - Quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vocalis-dev/vocalis/internal/device"
	"github.com/vocalis-dev/vocalis/pkg/gemini"
	"github.com/vocalis-dev/vocalis/pkg/session"
	"github.com/vocalis-dev/vocalis/pkg/transcript"
)

func main() {
	_ = godotenv.Load()

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "vocalis: GEMINI_API_KEY required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	devices, err := device.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		os.Exit(1)
	}
	defer devices.Close()

	ctrl, err := session.NewController(session.Config{
		Transport: &gemini.Transport{
			APIKey:            apiKey,
			Model:             os.Getenv("VOCALIS_GEMINI_MODEL"),
			Voice:             os.Getenv("VOCALIS_GEMINI_VOICE"),
			SystemInstruction: os.Getenv("VOCALIS_SYSTEM_INSTRUCTION"),
			Logger:            logger,
		},
		Devices: devices,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctrl.Stop()
	}()

	fmt.Println("Vocalis live voice client")
	fmt.Println("Speak naturally. Press 'i' + Enter to interrupt, 'q' + Enter to quit.")
	fmt.Println()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		os.Exit(1)
	}

	go readCommands(ctrl)

	printEvents(ctrl)

	fmt.Println()
	printHistory(ctrl.History())
}

func readCommands(ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "i":
			ctrl.Interrupt()
		case "q":
			ctrl.Stop()
			return
		}
	}
}

func printEvents(ctrl *session.Controller) {
	for event := range ctrl.Events() {
		switch e := event.(type) {
		case session.StatusEvent:
			fmt.Printf("[%s]\n", e.Status)
		case session.ListeningEvent:
			if e.Listening {
				fmt.Println("· listening")
			}
		case session.SpeakingEvent:
			if e.Speaking {
				fmt.Println("· speaking")
			}
		case session.InterruptedEvent:
			fmt.Println("· interrupted")
		case session.TranscriptEvent:
			for _, item := range e.Items {
				printItem(item)
			}
		case session.ErrorEvent:
			if e.Terminal {
				fmt.Fprintf(os.Stderr, "vocalis: session error: %v\n", e.Err)
			}
		}
	}
}

func printItem(item transcript.Item) {
	role := "you"
	if item.Type == transcript.TypeModel {
		role = "assistant"
	}
	fmt.Printf("%s: %s\n", role, item.Text)
}

func printHistory(items []transcript.Item) {
	if len(items) == 0 {
		return
	}
	fmt.Println("Conversation:")
	for _, item := range items {
		printItem(item)
	}
}

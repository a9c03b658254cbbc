package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/mfukushim/avatar-shell-sub000/internal/avatar"
	"github.com/mfukushim/avatar-shell-sub000/internal/bus"
	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// quietPeriod is how long chat waits with no running generator before
// handing the prompt back.
const quietPeriod = 750 * time.Millisecond

func avatarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "avatar",
		Short: "Talk to avatars on a running gateway",
	}
	cmd.AddCommand(avatarListCmd(), avatarChatCmd())
	return cmd
}

func connect(ctx context.Context) (*gatewayClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return dialGateway(ctx, cfg)
}

func avatarListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running avatars",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			raw, err := c.call(ctx, protocol.MethodAvatarsList, nil)
			if err != nil {
				return err
			}
			var out struct {
				Avatars []avatar.Info `json:"avatars"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			printAvatarTable(os.Stdout, out.Avatars)
			return nil
		},
	}
}

// printAvatarTable aligns columns by display width; names are often CJK.
func printAvatarTable(w io.Writer, list []avatar.Info) {
	const nameWidth = 20
	fmt.Fprintf(w, "%-12s %s %6s %8s  %-5s %s\n", "ID", runewidth.FillRight("NAME", nameWidth), "MSGS", "DAEMONS", "BUSY", "TIMERS")
	for _, a := range list {
		name := runewidth.FillRight(runewidth.Truncate(a.Name, nameWidth, "…"), nameWidth)
		fmt.Fprintf(w, "%-12s %s %6d %8d  %-5v %s\n", a.ID, name, a.Messages, a.Daemons, a.Busy, strings.Join(a.Timers, ","))
	}
}

func avatarChatCmd() *cobra.Command {
	var (
		avatarID string
		sender   string
		message  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an avatar interactively or send a one-shot message",
		Long: `Chat with an avatar through the running gateway. Tool consent
requests raised during a reply are asked inline.

Examples:
  avatar-shell avatar chat --id mika
  avatar-shell avatar chat --id mika -m "good morning"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			s := &chatSession{client: c, avatarID: avatarID, sender: sender}
			if message != "" {
				return s.send(ctx, message)
			}
			return s.repl(ctx)
		},
	}
	cmd.Flags().StringVar(&avatarID, "id", "", "avatar id")
	cmd.Flags().StringVar(&sender, "sender", "", "display name sent with your messages")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.MarkFlagRequired("id")
	return cmd
}

type chatSession struct {
	client   *gatewayClient
	avatarID string
	sender   string
}

func (s *chatSession) repl(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "\nChatting with %s. Type \"exit\" to quit.\n\n", s.avatarID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		// Anything the avatar said on its own while we waited for input.
		s.drain(ctx, false)
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := s.send(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		}
	}
}

func (s *chatSession) send(ctx context.Context, text string) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.client.call(callCtx, protocol.MethodChatSend, protocol.ChatSendParams{
		AvatarID: s.avatarID, Sender: s.sender, Text: text,
	}); err != nil {
		return err
	}
	s.drain(ctx, true)
	return nil
}

// drain prints pending events. With wait set it keeps reading until no
// generator has been running for quietPeriod.
func (s *chatSession) drain(ctx context.Context, wait bool) {
	running := 0
	idle := time.NewTimer(quietPeriod)
	defer idle.Stop()
	for {
		if !wait {
			select {
			case env := <-s.client.events:
				s.show(ctx, env, &running)
				continue
			default:
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.client.done:
			return
		case env := <-s.client.events:
			s.show(ctx, env, &running)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(quietPeriod)
		case <-idle.C:
			if running <= 0 {
				return
			}
			idle.Reset(quietPeriod)
		}
	}
}

func (s *chatSession) show(ctx context.Context, env protocol.Envelope, running *int) {
	switch env.Event {
	case protocol.EventAvatarMessage, protocol.EventAvatarSide:
		var ev bus.MessageEvent
		if json.Unmarshal(env.Payload, &ev) != nil || ev.AvatarID != s.avatarID {
			return
		}
		for _, m := range ev.Messages {
			s.printMessage(m)
		}
	case protocol.EventAvatarStatus:
		var ev bus.StatusEvent
		if json.Unmarshal(env.Payload, &ev) != nil || ev.AvatarID != s.avatarID {
			return
		}
		if ev.Status == protocol.StatusRunning {
			*running++
		} else {
			*running--
		}
	case protocol.EventAvatarAlert:
		var ev bus.AlertEvent
		if json.Unmarshal(env.Payload, &ev) == nil && ev.AvatarID == s.avatarID {
			fmt.Fprintf(os.Stderr, "  [alert] %s\n", ev.Message)
		}
	case protocol.EventConsentRequested:
		var req tools.ConsentRequest
		if json.Unmarshal(env.Payload, &req) != nil || req.AvatarID != s.avatarID {
			return
		}
		s.askConsent(ctx, req)
	}
}

func (s *chatSession) printMessage(m contextlog.Message) {
	if m.ContextLine != contextlog.LineSurface {
		return
	}
	text := m.Text()
	if text == "" {
		return
	}
	switch {
	case m.Role == contextlog.RoleBot:
		fmt.Printf("\n%s: %s\n\n", s.avatarID, text)
	case m.Role == contextlog.RoleHuman && m.External:
		fmt.Printf("\n[%s] %s\n\n", m.Sender, text)
	}
}

func (s *chatSession) askConsent(ctx context.Context, req tools.ConsentRequest) {
	input, _ := json.Marshal(req.Input)
	choice := string(tools.ChoiceDeny)
	err := huh.NewSelect[string]().
		Title(fmt.Sprintf("%s wants to run %s/%s", req.AvatarID, req.Catalog, req.Tool)).
		Description(string(input)).
		Options(
			huh.NewOption("Allow once", string(tools.ChoiceAllow)),
			huh.NewOption("Always allow", string(tools.ChoiceAlways)),
			huh.NewOption("Deny", string(tools.ChoiceDeny)),
		).
		Value(&choice).
		Run()
	if err != nil {
		choice = string(tools.ChoiceDeny)
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.client.call(callCtx, protocol.MethodConsentAnswer, protocol.ConsentAnswerParams{ID: req.ID, Choice: choice}); err != nil {
		fmt.Fprintf(os.Stderr, "  [consent] %v\n", err)
	}
}

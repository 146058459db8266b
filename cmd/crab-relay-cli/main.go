package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"

	"crabstack.local/crab-relay/internal/types"
)

const (
	envServerURL = "CRAB_RELAY_CLI_URL"
	envToken     = "CRAB_RELAY_CLI_TOKEN"
	envTenant    = "CRAB_RELAY_CLI_TENANT"

	defaultServerURL = "http://127.0.0.1:8080"
)

const usage = `usage: crab-relay-cli [global flags] <command> [args]

commands:
  status                          print the tenant's session snapshot
  connect                         start (or re-announce) the tenant's session
  disconnect                      stop the session and keep credentials
  logout                          stop the session and purge credentials
  send <chat_id> <text>           send a text message
  chats                           list chats
  messages <chat_id>              list recent messages in a chat
  tail                            stream the tenant's events
  qr                              render the pending pairing code as a QR code
`

type globalOptions struct {
	serverURL string
	token     string
	tenant    string
	timeout   time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatalf("crab-relay-cli: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, rest, err := parseGlobal(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}

	client, err := newRelayClient(opts.serverURL, opts.token, opts.tenant, opts.timeout)
	if err != nil {
		return err
	}

	command, cmdArgs := strings.ToLower(strings.TrimSpace(rest[0])), rest[1:]
	switch command {
	case "status":
		snap, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, snap)
	case "connect":
		snap, err := client.Connect(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, snap)
	case "disconnect":
		return client.Disconnect(ctx)
	case "logout":
		return client.Logout(ctx)
	case "send":
		return runSend(ctx, client, cmdArgs, out)
	case "chats":
		chats, err := client.Chats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, chats)
	case "messages":
		return runMessages(ctx, client, cmdArgs, out)
	case "tail":
		return runTail(ctx, client, cmdArgs, out)
	case "qr":
		return runQR(ctx, client, out)
	case "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	fs := pflag.NewFlagSet("crab-relay-cli", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	opts := globalOptions{}
	fs.StringVar(&opts.serverURL, "url", envOrDefault(envServerURL, defaultServerURL), "relay http base url")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv(envToken)), "bearer token for the relay api")
	fs.StringVarP(&opts.tenant, "tenant", "t", strings.TrimSpace(os.Getenv(envTenant)), "tenant id")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "http request timeout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nglobal flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return globalOptions{}, nil, err
	}
	return opts, fs.Args(), nil
}

func runSend(ctx context.Context, client *relayClient, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	mediaURL := fs.String("media-url", "", "attach media from this url")
	kind := fs.String("kind", "", "message kind for media (image, video, audio, document)")
	quoted := fs.String("reply-to", "", "id of the message being replied to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("send requires <chat_id> [text]")
	}
	chatID := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")

	msg := types.OutboundMessage{Kind: types.MessageKindText, Body: text, QuotedID: strings.TrimSpace(*quoted)}
	if link := strings.TrimSpace(*mediaURL); link != "" {
		msg = types.OutboundMessage{
			Kind:     types.MessageKind(strings.TrimSpace(*kind)),
			Caption:  text,
			MediaURL: link,
			QuotedID: msg.QuotedID,
		}
		if msg.Kind == "" {
			msg.Kind = types.MessageKindDocument
		}
	}

	sent, err := client.Send(ctx, chatID, msg)
	if err != nil {
		return err
	}
	return printJSON(out, sent)
}

func runMessages(ctx context.Context, client *relayClient, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("messages", pflag.ContinueOnError)
	limit := fs.IntP("limit", "n", 0, "maximum number of messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("messages requires <chat_id>")
	}
	messages, err := client.Messages(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	return printJSON(out, messages)
}

func runTail(ctx context.Context, client *relayClient, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print raw event json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	return client.Tail(ctx, func(ev types.Event) error {
		if *asJSON {
			return enc.Encode(ev)
		}
		_, err := fmt.Fprintln(out, formatEvent(ev))
		return err
	})
}

func runQR(ctx context.Context, client *relayClient, out io.Writer) error {
	snap, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if snap.PairingCode == nil || strings.TrimSpace(snap.PairingCode.Code) == "" {
		return fmt.Errorf("tenant %s has no pending pairing code (state=%s)", snap.TenantID, snap.State)
	}
	qr, err := qrcode.New(snap.PairingCode.Code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode pairing code: %w", err)
	}
	fmt.Fprint(out, qr.ToSmallString(false))
	fmt.Fprintf(out, "expires at %s\n", snap.PairingCode.ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func formatEvent(ev types.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", ev.Seq, ev.OccurredAt.Local().Format(time.TimeOnly), ev.Type)
	if ev.Replay {
		b.WriteString(" (replay)")
	}
	switch ev.Type {
	case types.EventTypeStatus:
		fmt.Fprintf(&b, " state=%s", ev.State)
		if ev.Account != nil {
			fmt.Fprintf(&b, " account=%s", ev.Account.ExternalID)
		}
	case types.EventTypePairingCode:
		if ev.Pairing != nil {
			fmt.Fprintf(&b, " code=%s expires=%s", ev.Pairing.Code, ev.Pairing.ExpiresAt.Local().Format(time.TimeOnly))
		}
	case types.EventTypeMessage:
		if m := ev.Message; m != nil {
			text := m.Body
			if text == "" {
				text = m.Caption
			}
			fmt.Fprintf(&b, " %s chat=%s kind=%s %q", m.Direction, m.ChatID, m.Kind, text)
		}
	case types.EventTypeMessageStatus:
		if r := ev.Receipt; r != nil {
			fmt.Fprintf(&b, " chat=%s message=%s status=%s", r.ChatID, r.MessageID, r.Status)
		}
	case types.EventTypeDisconnected:
		fmt.Fprintf(&b, " reason=%s terminal=%t", ev.Reason, ev.Terminal)
	case types.EventTypeError:
		fmt.Fprintf(&b, " error=%q", ev.Error)
	case types.EventTypeChats:
		fmt.Fprintf(&b, " count=%d", len(ev.Chats))
	case types.EventTypeMessages:
		fmt.Fprintf(&b, " chat=%s count=%d", ev.ChatID, len(ev.Messages))
	}
	return b.String()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

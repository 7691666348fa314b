package cmds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ingestgw/pkg/gateway"
	"github.com/go-go-golems/ingestgw/pkg/logging"
	"github.com/go-go-golems/ingestgw/pkg/transport/httpconn"
	"github.com/go-go-golems/ingestgw/pkg/transport/wsconn"
)

type sendSettings struct {
	URL       string
	HTTPURL   string
	MessageID string
	MediaType string
	File      string
	Fragments int
	Wait      time.Duration
	Timeout   time.Duration
	Log       logging.Settings
}

func NewSendCommand() *cobra.Command {
	s := sendSettings{Log: logging.Settings{Level: "warn", Format: "console"}}
	cmd := &cobra.Command{
		Use:   "send [payload...]",
		Short: "Send one payload and print the acknowledgement and any replies",
		Long: "Send one payload over the websocket endpoint (default) or as a plain HTTP POST " +
			"with --http. The payload is the joined arguments, or --file (- for stdin).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := logging.Setup(s.Log); err != nil {
				return err
			}
			payload, err := readPayload(s.File, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.HTTPURL != "" {
				return sendHTTP(cmd.Context(), out, s, payload)
			}
			return sendWS(cmd.Context(), out, s, payload)
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.URL, "url", "ws://localhost:8081/ws", "websocket endpoint")
	f.StringVar(&s.HTTPURL, "http", "", "POST to this ingest URL instead, e.g. http://localhost:8080/")
	f.StringVarP(&s.MessageID, "type", "t", "raw", "message id, used as the content type of raw payloads")
	f.StringVar(&s.MediaType, "media-type", "", "media type of the payload")
	f.StringVarP(&s.File, "file", "f", "", "read the payload from a file, - for stdin")
	f.IntVar(&s.Fragments, "fragments", 1, "split the payload into this many websocket messages")
	f.DurationVar(&s.Wait, "wait", 0, "keep listening for asynchronous replies this long")
	f.DurationVar(&s.Timeout, "timeout", 10*time.Second, "acknowledgement timeout")
	f.StringVar(&s.Log.Level, "log-level", s.Log.Level, "log level")
	return cmd
}

func readPayload(file string, args []string) ([]byte, error) {
	switch file {
	case "":
		return []byte(strings.Join(args, " ")), nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return b, errors.Wrap(err, "read stdin")
	default:
		b, err := os.ReadFile(file)
		return b, errors.Wrapf(err, "read %s", file)
	}
}

func sendWS(ctx context.Context, out io.Writer, s sendSettings, payload []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	c, err := wsconn.Dial(dialCtx, s.URL, nil)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Send(s.MessageID, s.MediaType, payload, s.Fragments); err != nil {
		return err
	}

	ackCtx, cancelAck := context.WithTimeout(ctx, s.Timeout)
	defer cancelAck()
	for {
		f, err := c.Next(ackCtx)
		if err != nil {
			return errors.Wrap(err, "waiting for ack")
		}
		if f.Type != wsconn.TypeAck {
			printFrame(out, f)
			continue
		}
		printAck(out, f.Status, f.Headers, f.Body)
		if f.Status != http.StatusOK {
			return errors.Errorf("rejected with status %d", f.Status)
		}
		break
	}

	if s.Wait <= 0 {
		return nil
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, s.Wait)
	defer cancelWait()
	for {
		f, err := c.Next(waitCtx)
		if err != nil {
			// the wait window ending is the normal way out
			return nil
		}
		printFrame(out, f)
	}
}

func sendHTTP(ctx context.Context, out io.Writer, s sendSettings, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.HTTPURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set(httpconn.MessageIDHeader, s.MessageID)
	if s.MediaType != "" {
		req.Header.Set("Content-Type", s.MediaType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read ack")
	}
	printAck(out, resp.StatusCode, resp.Header, body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rejected with status %d", resp.StatusCode)
	}
	return nil
}

func printAck(out io.Writer, status int, h http.Header, body []byte) {
	_, _ = fmt.Fprintf(out, "ack %d session=%s\n", status, gateway.SessionIDFromHeader(h))
	if len(body) > 0 {
		_, _ = fmt.Fprintf(out, "%s\n", body)
	}
}

func printFrame(out io.Writer, f wsconn.ServerFrame) {
	switch f.Type {
	case wsconn.TypeReply:
		_, _ = fmt.Fprintf(out, "reply %s\n", f.Body)
	default:
		_, _ = fmt.Fprintf(out, "%s\n", f.Type)
	}
}

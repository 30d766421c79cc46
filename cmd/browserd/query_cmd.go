package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/extbridge/browserd/internal/codec"
	"github.com/extbridge/browserd/internal/paths"
	"github.com/extbridge/browserd/internal/protocol"
)

// queryRequest is the length-prefixed request the extension's host-messaging
// bootstrap sends on stdin.
type queryRequest struct {
	Type string `json:"type"`
}

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "query",
		Short:  "One-shot host-messaging bootstrap: resolve the daemon endpoint or register an extension",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery()
		},
	}
}

// runQuery reads one length-prefixed request from stdin, connects to the
// running daemon's local client socket, forwards the request, and writes one
// length-prefixed reply to stdout.
func runQuery() error {
	raw, err := codec.ReadLengthPrefixed(os.Stdin)
	if err != nil {
		return writeQueryError(fmt.Errorf("read query request: %w", err))
	}

	var req queryRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		return writeQueryError(fmt.Errorf("malformed query request"))
	}

	socketPath, err := paths.GetSocketPath()
	if err != nil {
		return writeQueryError(err)
	}

	conn, err := dialSocket(socketPath, 3*time.Second)
	if err != nil {
		return writeQueryError(fmt.Errorf("connect to daemon: %w", err))
	}
	defer conn.Close()

	envelope := protocol.Envelope{Type: req.Type}
	data, err := json.Marshal(envelope)
	if err != nil {
		return writeQueryError(err)
	}

	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if err := codec.WriteLine(conn, data); err != nil {
		return writeQueryError(fmt.Errorf("send request to daemon: %w", err))
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return writeQueryError(fmt.Errorf("read reply from daemon: %w", err))
	}

	var resp protocol.Envelope
	if err := json.Unmarshal(line, &resp); err != nil {
		return writeQueryError(fmt.Errorf("malformed daemon reply: %w", err))
	}

	switch protocol.ResponseType(resp.Type) {
	case protocol.RespEndpoint, protocol.RespRegistration:
		return writeQueryReply(resp.Payload)
	default:
		return writeQueryError(fmt.Errorf("daemon rejected request: %s", resp.Type))
	}
}

func writeQueryReply(payload json.RawMessage) error {
	return codec.WriteLengthPrefixed(os.Stdout, payload)
}

func writeQueryError(queryErr error) error {
	payload, _ := json.Marshal(protocol.ErrorPayload{Error: queryErr.Error()})
	_ = codec.WriteLengthPrefixed(os.Stdout, payload)
	return queryErr
}

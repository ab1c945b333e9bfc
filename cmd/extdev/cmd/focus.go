package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/gorilla/websocket"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

const focusAction = "focus"

// focusCmd represents the focus command
var focusCmd = &cobra.Command{
	Use:   "focus [uuid]",
	Short: "Ask connected extension hosts to focus an extension",
	Long: `Send a focus action to every extension host connected to the dev session.
Without an argument, pick the extension interactively.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}

		var snapshot api.AppSnapshot
		if err := client.GetJSON(cmd.Context(), "/extensions", &snapshot); err != nil {
			return err
		}
		if len(snapshot.Extensions) == 0 {
			return fmt.Errorf("the dev session has no extensions")
		}

		var target api.ExtensionPayload
		if len(args) == 1 {
			found := false
			for _, p := range snapshot.Extensions {
				if p.UUID == args[0] || p.Handle == args[0] {
					target, found = p, true
					break
				}
			}
			if !found {
				return fmt.Errorf("extension %q not found", args[0])
			}
		} else {
			labels := make([]string, len(snapshot.Extensions))
			for i, p := range snapshot.Extensions {
				labels[i] = fmt.Sprintf("%s (%s)", p.Handle, p.Type)
			}
			prompt := promptui.Select{
				Label: "Extension",
				Items: labels,
			}
			idx, _, err := prompt.Run()
			if err != nil {
				return err
			}
			target = snapshot.Extensions[idx]
		}

		socketURL := snapshot.Socket.URL
		if socketURL == "" {
			socketURL = websocketURL(client.BaseURL) + "/extensions"
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := sendFocus(ctx, socketURL, target.UUID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Focused %s.\n", target.Handle)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(focusCmd)
}

// sendFocus joins the sync protocol at socketURL and dispatches a focus action for id.
func sendFocus(ctx context.Context, socketURL, id string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", socketURL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	var connected api.Message
	if err := conn.ReadJSON(&connected); err != nil {
		return fmt.Errorf("failed to read connected message: %w", err)
	}
	if connected.Event != api.EventConnected {
		return fmt.Errorf("unexpected first message %q", connected.Event)
	}

	payload, err := json.Marshal([]map[string]string{{"uuid": id}})
	if err != nil {
		return err
	}
	data, err := json.Marshal(api.DispatchAction{Type: focusAction, Payload: payload})
	if err != nil {
		return err
	}
	msg := api.Message{Event: api.EventDispatch, Version: connected.Version, Data: data}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send focus action: %w", err)
	}
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

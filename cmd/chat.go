package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentName  string
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent via the running gateway (WebSocket client mode).
Falls back to standalone mode if the gateway is not running.

Examples:
  cloudserve chat                                # Interactive REPL
  cloudserve chat --agent analyst                # Chat with the "analyst" agent
  cloudserve chat -m "histogram of 1000 normals" # One-shot message
  cloudserve chat -s my-session                  # Continue a session`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(config.NormalizeAgentID(agentName), message, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&agentName, "agent", "a", config.DefaultAgentID, "agent ID")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session suffix (default: cli-local)")

	return cmd
}

func runChat(agentID, message, suffix string) {
	cfg := loadConfig()
	if suffix == "" {
		suffix = "cli-local"
	}
	sessionKey := sessions.SessionKey(agentID, suffix)

	addr := gatewayAddr(cfg)
	if isGatewayRunning(addr) {
		fmt.Fprintf(os.Stderr, "Connected to gateway at %s\n", addr)
		runClientMode(cfg, addr, agentID, message, sessionKey)
		return
	}

	fmt.Fprintf(os.Stderr, "Gateway not running, using standalone mode\n")
	runStandaloneMode(cfg, agentID, message, sessionKey)
}

// gatewayAddr is the dialable address of the configured gateway.
func gatewayAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// chatFunc sends one message and returns the rendered reply.
type chatFunc func(msg, sessionKey string) (string, error)

// replLoop reads lines until EOF, "exit" or Ctrl+C. "/new" starts a fresh session.
func replLoop(agentID, sessionKey string, send chatFunc) {
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for new session\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionKey = sessions.SessionKey(agentID, "cli-"+uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		resp, err := send(input, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n\n", failStyle.Render("Error: "+err.Error()))
			continue
		}
		fmt.Printf("\n%s\n\n", resp)
	}
}

// ============================================================
// CLIENT MODE: connect to the running gateway via WebSocket
// ============================================================

func runClientMode(cfg *config.Config, addr, agentID, message, sessionKey string) {
	wsURL := fmt.Sprintf("ws://%s/ws", addr)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Falling back to standalone mode\n")
		runStandaloneMode(cfg, agentID, message, sessionKey)
		return
	}
	defer conn.Close()

	if err := wsConnect(conn, cfg.Gateway.Token); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}

	send := func(msg, key string) (string, error) {
		return wsChatSend(conn, agentID, key, msg)
	}

	if message != "" {
		resp, err := send(message, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	fmt.Fprintf(os.Stderr, "\n%s (agent: %s, model: %s)\n", titleStyle.Render("CloudServe Chat"), agentID, cfg.ResolveAgent(agentID).Model)
	replLoop(agentID, sessionKey, send)
}

// wsConnect sends the connect RPC and waits for the auth response.
func wsConnect(conn *websocket.Conn, token string) error {
	params := map[string]string{}
	if token != "" {
		params["token"] = token
	}
	paramsJSON, _ := json.Marshal(params)

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: paramsJSON,
	}
	if err := conn.WriteJSON(reqFrame); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}

// wsChatSend sends chat.send and waits for its response, printing attempt
// progress from agent events as they arrive.
func wsChatSend(conn *websocket.Conn, agentID, sessionKey, message string) (string, error) {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(map[string]interface{}{
		"message":        message,
		"agentId":        agentID,
		"sessionKey":     sessionKey,
		"idempotencyKey": reqID,
	})

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}
	if err := conn.WriteJSON(reqFrame); err != nil {
		return "", fmt.Errorf("send chat: %w", err)
	}

	for {
		_, rawMsg, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(rawMsg)
		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(rawMsg, &resp); err != nil || resp.ID != reqID {
				continue
			}
			if !resp.OK {
				if resp.Error != nil {
					return "", fmt.Errorf("%s", resp.Error.Message)
				}
				return "", fmt.Errorf("agent error (unknown)")
			}
			if payload, ok := resp.Payload.(map[string]interface{}); ok {
				if aborted, _ := payload["aborted"].(bool); aborted {
					return "(aborted)", nil
				}
				content, _ := payload["content"].(string)
				return content, nil
			}
			return "", nil

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(rawMsg, &evt); err != nil {
				continue
			}
			handleCLIEvent(evt, sessionKey)
		}
	}
}

// handleCLIEvent prints attempt progress for this session's runs.
func handleCLIEvent(evt protocol.EventFrame, sessionKey string) {
	if evt.Event != protocol.EventAgent {
		return
	}
	payload, ok := evt.Payload.(map[string]interface{})
	if !ok {
		return
	}
	if key, _ := payload["sessionKey"].(string); key != sessionKey {
		return
	}
	evtType, _ := payload["type"].(string)
	p, _ := payload["payload"].(map[string]interface{})
	attempt, _ := p["attempt"].(float64)

	switch evtType {
	case protocol.AgentEventAttemptStarted:
		lang, _ := p["language"].(string)
		fmt.Fprintln(os.Stderr, progressStyle.Render(fmt.Sprintf("  attempt %d: running %s code", int(attempt), lang)))
	case protocol.AgentEventAttemptFailed:
		errText, _ := p["error"].(string)
		fmt.Fprintln(os.Stderr, progressStyle.Render(fmt.Sprintf("  attempt %d failed: %s", int(attempt), firstLine(errText))))
	}
}

// ============================================================
// STANDALONE MODE: run the agent in-process
// ============================================================

func runStandaloneMode(cfg *config.Config, agentID, message, sessionKey string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.onEvent = printAgentEvent

	ag, err := svc.agents.Get(agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	send := func(msg, key string) (string, error) {
		history := toHistory(svc.sessions.GetHistory(key))
		_ = svc.sessions.AddMessage(key, sessions.Message{Role: "user", Content: msg})

		runID := uuid.NewString()
		result, err := ag.Run(ctx, agent.RunRequest{
			SessionKey: key,
			Message:    msg,
			RunID:      runID,
			History:    history,
		})
		if err != nil {
			text := agent.FormatError(err)
			_ = svc.sessions.AddMessage(key, sessions.Message{Role: "assistant", Content: text, RunID: runID})
			return "", fmt.Errorf("%s", text)
		}
		_ = svc.sessions.AddMessage(key, sessions.Message{Role: "assistant", Content: result.Content, RunID: runID})
		return result.Content, nil
	}

	if message != "" {
		resp, err := send(message, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	fmt.Fprintf(os.Stderr, "\n%s (standalone, agent: %s, model: %s)\n", titleStyle.Render("CloudServe Chat"), agentID, ag.Model())
	replLoop(agentID, sessionKey, send)
}

func toHistory(msgs []sessions.Message) []agent.HistoryMessage {
	out := make([]agent.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agent.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"OpenMCP-Chat/internal/conversation"
	"OpenMCP-Chat/internal/session"
	"OpenMCP-Chat/sdk/go/openmcp"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("server", "", "远程 API 地址，为空时在本进程内运行对话")
	chatCmd.Flags().String("user", "cli", "用户 ID")
	chatCmd.Flags().String("session", "", "会话 ID，为空时自动生成")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat. Commands: /reset, /tools, /exit",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// chatBackend 抽象本地与远程两种对话方式。
type chatBackend interface {
	send(ctx context.Context, sessionID, message string, out io.Writer) error
	reset(ctx context.Context, sessionID string) error
	tools(ctx context.Context) ([]string, error)
	close() error
}

func runChat(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	user, _ := cmd.Flags().GetString("user")
	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx := cmd.Context()

	var backend chatBackend
	if server != "" {
		client, err := openmcp.NewClient(server, nil)
		if err != nil {
			return err
		}
		backend = &remoteBackend{client: client, userID: user}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(ctx, cfg, buildOptions{})
		if err != nil {
			return err
		}
		backend = &localBackend{app: a, userID: user}
	}
	defer backend.close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s, /exit 退出\n", sessionID)
	return chatLoop(ctx, backend, sessionID, cmd.InOrStdin(), out)
}

func chatLoop(ctx context.Context, backend chatBackend, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := backend.reset(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "重置失败: %v\n", err)
			} else {
				fmt.Fprintln(out, "会话已清空")
			}
			continue
		case "/tools":
			names, err := backend.tools(ctx)
			if err != nil {
				fmt.Fprintf(out, "读取工具失败: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "%d tools: %s\n", len(names), strings.Join(names, ", "))
			continue
		}

		if err := backend.send(ctx, sessionID, line, out); err != nil {
			fmt.Fprintf(out, "\n错误: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type localBackend struct {
	app    *app
	userID string
}

func (b *localBackend) send(ctx context.Context, sessionID, message string, out io.Writer) error {
	stream, err := b.app.sessions.Stream(ctx, session.Request{UserID: b.userID, SessionID: sessionID, Message: message})
	if err != nil {
		return err
	}
	defer stream.Close()
	for ev := range stream.Events {
		switch ev.Type {
		case conversation.EventTextDelta:
			fmt.Fprint(out, ev.Text)
		case conversation.EventTool:
			printTool(out, ev.Tool.Name, string(ev.Tool.Phase), ev.Tool.Error)
		case conversation.EventRetry:
			printRetry(out, ev.Retry.Attempt, ev.Retry.Code)
		case conversation.EventCompleted:
			printSummary(out, ev.Result.Rounds, ev.Result.ToolCalls, ev.Result.Usage.TotalUnits, ev.Result.Usage.TotalCost)
		case conversation.EventError:
			return ev.Err
		}
	}
	return nil
}

func (b *localBackend) reset(ctx context.Context, sessionID string) error {
	return b.app.sessions.Reset(ctx, sessionID)
}

func (b *localBackend) tools(context.Context) ([]string, error) {
	var names []string
	for _, d := range b.app.invoker.Tools() {
		names = append(names, d.Name)
	}
	return names, nil
}

func (b *localBackend) close() error { return b.app.Close() }

type remoteBackend struct {
	client *openmcp.Client
	userID string
}

func (b *remoteBackend) send(ctx context.Context, sessionID, message string, out io.Writer) error {
	_, err := b.client.ChatStream(ctx, openmcp.ChatRequest{UserID: b.userID, SessionID: sessionID, Message: message},
		func(ev openmcp.StreamEvent) error {
			switch ev.Type {
			case openmcp.EventTextDelta:
				fmt.Fprint(out, ev.Text)
			case openmcp.EventTool:
				printTool(out, ev.Tool.Name, ev.Tool.Phase, ev.Tool.Error)
			case openmcp.EventRetry:
				printRetry(out, ev.Retry.Attempt, ev.Retry.Code)
			case openmcp.EventCompleted:
				printSummary(out, ev.Result.Rounds, ev.Result.ToolCalls, ev.Result.Usage.TotalUnits, ev.Result.Usage.TotalCost)
			}
			return nil
		})
	return err
}

func (b *remoteBackend) reset(ctx context.Context, sessionID string) error {
	return b.client.ResetSession(ctx, sessionID)
}

func (b *remoteBackend) tools(ctx context.Context) ([]string, error) {
	list, err := b.client.Tools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, t := range list {
		names = append(names, t.Name)
	}
	return names, nil
}

func (b *remoteBackend) close() error { return nil }

func printTool(out io.Writer, name, phase, errText string) {
	if errText != "" {
		fmt.Fprintf(out, "\n[tool %s %s: %s]\n", name, phase, errText)
		return
	}
	fmt.Fprintf(out, "\n[tool %s %s]\n", name, phase)
}

// printRetry 提示上一段输出已作废。
func printRetry(out io.Writer, attempt int, code string) {
	fmt.Fprintf(out, "\n[retry %d: %s, 以上输出作废]\n", attempt, code)
}

func printSummary(out io.Writer, rounds, toolCalls int, units int64, cost float64) {
	fmt.Fprintf(out, "\n(rounds=%d tool_calls=%d units=%d cost=$%.6f)\n", rounds, toolCalls, units, cost)
}

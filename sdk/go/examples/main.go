package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"OpenMCP-Chat/sdk/go/openmcp"
)

func main() {
	addr := flag.String("server", "http://127.0.0.1:8080", "OpenMCP Chat API 地址")
	user := flag.String("user", "sdk-demo", "用户 ID")
	message := flag.String("message", "请用 add 工具计算 2+3", "发送的消息")
	async := flag.Bool("async", false, "以异步任务方式提交")
	flag.Parse()

	client, err := openmcp.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *async {
		submitted, err := client.SubmitTask(ctx, openmcp.TaskSubmission{UserID: *user, Message: *message})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("submitted task %s\n", submitted.ID)
		done, err := client.WaitTask(ctx, submitted.ID, time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if done.Result != nil {
			fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.Result.Reply)
		} else {
			fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.LastError)
		}
		return
	}

	reply, err := client.ChatStream(ctx, openmcp.ChatRequest{UserID: *user, Message: *message}, func(ev openmcp.StreamEvent) error {
		switch ev.Type {
		case openmcp.EventTextDelta:
			fmt.Print(ev.Text)
		case openmcp.EventTool:
			fmt.Printf("\n[tool %s %s]\n", ev.Tool.Name, ev.Tool.Phase)
		}
		return nil
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("session=%s rounds=%d tool_calls=%d units=%d cost=%.6f\n",
		reply.SessionID, reply.Rounds, reply.ToolCalls, reply.Usage.TotalUnits, reply.Usage.TotalCost)
}

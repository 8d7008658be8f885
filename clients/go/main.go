// agentbus CLI - command line client for agentbus
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/clients/go/agentbus"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := agentbus.NewClient(os.Getenv("AGENTBUS_URL"))
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		need(3, "register <name>")
		resp, err := client.Register(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("Registered as: %s (tier %s)\n", resp.ID, resp.Tier)
		if resp.APIKey != "" {
			fmt.Println("API key saved to", client.ConfigDir)
		}

	case "who":
		need(3, "who <agent_id>")
		resp, err := client.Who(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "enqueue":
		need(4, "enqueue <queue> <json-payload> [priority]")
		priority := models.PriorityNormal
		if len(os.Args) > 4 {
			priority = models.Priority(os.Args[4])
		}
		id, err := client.Enqueue(ctx, os.Args[2], models.MessageAgentRequest, json.RawMessage(os.Args[3]), priority)
		exitOnError(err)
		fmt.Printf("Enqueued: %s\n", id)

	case "dequeue":
		need(3, "dequeue <queue>")
		msg, err := client.Dequeue(ctx, os.Args[2])
		exitOnError(err)
		if msg == nil {
			fmt.Println("queue empty")
			return
		}
		printJSON(msg)

	case "publish":
		need(4, "publish <channel> <json-data>")
		id, err := client.Publish(ctx, os.Args[2], json.RawMessage(os.Args[3]))
		exitOnError(err)
		fmt.Printf("Published: %s\n", id)

	case "read":
		need(3, "read <channel> [from]")
		from := ""
		if len(os.Args) > 3 {
			from = os.Args[3]
		}
		page, err := client.Read(ctx, os.Args[2], from, 20)
		exitOnError(err)
		for _, ev := range page.Events {
			fmt.Printf("[%s] %s\n", ev.ID, ev.Data)
		}
		fmt.Printf("next: %s\n", page.Next)

	case "listen":
		need(3, "listen <conversation_id>")
		conn, err := client.Connect(ctx, os.Args[2])
		exitOnError(err)
		defer conn.Close()
		exitOnError(conn.Subscribe("conversation:" + os.Args[2]))
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			printJSON(msg)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func need(n int, usageLine string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage: agentbus "+usageLine)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`agentbus CLI

Usage: agentbus <command> [options]

Commands:
  register <name>                      Register a new agent
  who <agent_id>                       Get agent profile
  enqueue <queue> <json> [priority]    Enqueue an agent request
  dequeue <queue>                      Pop the next message
  publish <channel> <json>             Publish an event
  read <channel> [from]                Read events after a cursor
  listen <conversation_id>             Stream conversation events over WebSocket
  health                               Check server health

Environment:
  AGENTBUS_URL      Server URL (default: http://localhost:8080)
  AGENTBUS_CONFIG   Config directory (default: ~/.agentbus)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/acuray/console/lib/core"
	"github.com/acuray/console/lib/rpc"
)

// handleCtl handles the "ctl" subcommand.
func handleCtl(args []string, dataDir string) int {
	if len(args) == 0 {
		printCtlUsage()
		return 1
	}

	method := args[0]
	methodArgs := args[1:]

	socketPath := filepath.Join(dataDir, core.DefaultControlSocket)
	if envSocket := os.Getenv("CONSOLED_SOCKET"); envSocket != "" {
		socketPath = envSocket
	}

	client, err := rpc.NewClient(rpc.ClientConfig{SocketPath: socketPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to control socket: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the consoled daemon running?\n")
		return 1
	}
	defer client.Close()

	ctx := context.Background()

	switch method {
	case "status":
		return ctlStatus(ctx, client)
	case "nodes":
		return ctlNodes(ctx, client)
	case "journal":
		return ctlJournal(ctx, client, methodArgs)
	case "archive":
		return ctlArchive(ctx, client, methodArgs)
	case "reconnect":
		return ctlReconnect(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "Unknown method: %s\n\n", method)
		printCtlUsage()
		return 1
	}
}

func printCtlUsage() {
	fmt.Fprintln(os.Stderr, "Usage: consoled ctl <method> [args...]")
	fmt.Fprintln(os.Stderr, "\nAvailable methods:")
	fmt.Fprintln(os.Stderr, "  status              Show console status")
	fmt.Fprintln(os.Stderr, "  nodes               List remote node pools")
	fmt.Fprintln(os.Stderr, "  journal [-u]        List exposure records (-u: unarchived only)")
	fmt.Fprintln(os.Stderr, "  archive ID          Mark a record as transferred to PACS")
	fmt.Fprintln(os.Stderr, "  reconnect           Recover a faulted command channel")
}

func ctlStatus(ctx context.Context, client *rpc.Client) int {
	result, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Console:      %s\n", result.ConsoleName)
	fmt.Printf("State:        %s\n", result.State)
	fmt.Printf("Session:      %s", result.SessionState)
	if result.SessionAttempts > 0 {
		fmt.Printf(" (attempt %d)", result.SessionAttempts)
	}
	fmt.Println()
	if result.ServerVersion != "" {
		fmt.Printf("Server:       v%s\n", result.ServerVersion)
	}
	if result.LastError != "" {
		fmt.Printf("Last Error:   %s\n", result.LastError)
	}
	fmt.Printf("Journal:      %d records (%d unarchived)\n", result.JournalRecords, result.JournalUnarchived)
	fmt.Printf("Uptime:       %s\n", result.Uptime)
	fmt.Printf("Version:      %s\n", result.Version)

	return 0
}

func ctlNodes(ctx context.Context, client *rpc.Client) int {
	result, err := client.NodesList(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if result.Total == 0 {
		fmt.Println("No nodes configured")
		return 0
	}

	fmt.Printf("%-16s %-22s %-10s %-8s %-8s %-10s\n", "NODE", "ADDRESS", "CAPACITY", "IN USE", "WAITING", "BREAKER")
	for _, node := range result.Nodes {
		fmt.Printf("%-16s %-22s %-10d %-8d %-8d %-10s\n",
			node.Name, node.Addr, node.Capacity, node.Outstanding, node.Waiting, node.Breaker)
	}
	fmt.Printf("\nTotal: %d nodes\n", result.Total)

	return 0
}

func ctlJournal(ctx context.Context, client *rpc.Client, args []string) int {
	unarchivedOnly := false
	for _, arg := range args {
		if arg == "-u" {
			unarchivedOnly = true
		}
	}

	result, err := client.JournalList(ctx, unarchivedOnly, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(result.Records) == 0 {
		fmt.Println("No exposure records")
		return 0
	}

	fmt.Printf("%-36s %-26s %-7s %-7s %-8s %-9s\n", "ID", "STUDY UID", "KVP", "MAS", "DAP", "ARCHIVED")
	for _, rec := range result.Records {
		archived := "no"
		if rec.Archived {
			archived = "yes"
		}
		studyUID := rec.StudyUID
		if len(studyUID) > 26 {
			studyUID = studyUID[:23] + "..."
		}
		fmt.Printf("%-36s %-26s %-7.1f %-7.2f %-8.3f %-9s\n",
			rec.ID, studyUID, rec.Kilovoltage, rec.MilliampSeconds, rec.DoseAreaProduct, archived)
	}
	fmt.Printf("\nTotal: %d records\n", result.Total)

	return 0
}

func ctlArchive(ctx context.Context, client *rpc.Client, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: consoled ctl archive <record-id>")
		return 1
	}

	result, err := client.JournalArchive(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println(result.Message)
	return 0
}

func ctlReconnect(ctx context.Context, client *rpc.Client) int {
	result, err := client.SessionReconnect(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("%s (session: %s)\n", result.Message, result.State)
	return 0
}

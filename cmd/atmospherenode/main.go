// Command atmospherenode is a standalone runner exercising the
// atmosphere package's public surface end to end over the LAN
// transport, for local multi-process testing (one process per mesh
// peer). Hosts embedding the core call the package API directly; this
// is a thin operator CLI on top of it, grounded on the teacher pack's
// cobra-based cmd/synnergy runner.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llama-farm/atmosphere-core"
)

func main() {
	rootCmd := &cobra.Command{Use: "atmospherenode"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var dataDir, appID, name string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a mesh node against data-dir and drive the public surface from stdin",
		Run: func(cmd *cobra.Command, args []string) {
			runNode(dataDir, appID, name)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", ".atmosphere", "node state directory (identity, store, config)")
	cmd.Flags().StringVar(&appID, "app-id", "atmosphere-cli", "application id used in the handshake")
	cmd.Flags().StringVar(&name, "name", "", "display name advertised to peers")
	return cmd
}

func runNode(dataDir, appID, name string) {
	h, err := atmosphere.Init(dataDir, appID, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	port, err := atmosphere.StartMesh(h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start_mesh: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mesh node up, data_dir=%s listen_port=%d\n", dataDir, port)
	fmt.Println("commands: insert <collection> <doc_id> <json...> | query <collection> | get <collection> <doc_id> | peers | capabilities | health | quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sig:
			stop(h)
			return
		case line, ok := <-lines:
			if !ok || line == "quit" {
				stop(h)
				return
			}
			dispatch(h, line)
		}
	}
}

func stop(h string) {
	start := time.Now()
	if err := atmosphere.Stop(h); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
	}
	fmt.Printf("stopped in %v\n", time.Since(start))
}

func dispatch(h, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	var out []byte
	var err error
	switch cmd {
	case "insert":
		if len(args) < 3 {
			fmt.Println("usage: insert <collection> <doc_id> <json...>")
			return
		}
		payload := strings.Join(args[2:], " ")
		err = atmosphere.Insert(h, args[0], args[1], []byte(payload))
	case "query":
		if len(args) < 1 {
			fmt.Println("usage: query <collection>")
			return
		}
		out, err = atmosphere.Query(h, args[0])
	case "get":
		if len(args) < 2 {
			fmt.Println("usage: get <collection> <doc_id>")
			return
		}
		out, err = atmosphere.Get(h, args[0], args[1])
	case "peers":
		out, err = atmosphere.Peers(h)
	case "capabilities":
		out, err = atmosphere.Capabilities(h)
	case "health":
		out, err = atmosphere.Health(h)
	default:
		fmt.Printf("unknown command %q\n", cmd)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return
	}
	if out != nil {
		fmt.Println(string(out))
	}
}

// Command segkv-cli is an interactive client for segkv-server. With
// arguments it sends a single command and prints the reply.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dd0wney/cluso-segkv/pkg/client"
	"github.com/dd0wney/cluso-segkv/pkg/protocol"
	"github.com/dd0wney/cluso-segkv/pkg/server"
	segtls "github.com/dd0wney/cluso-segkv/pkg/tls"
)

func main() {
	addr := flag.String("addr", server.DefaultListenAddress, "Server address")
	timeout := flag.Duration("timeout", client.DefaultTimeout, "Dial and request timeout")
	useTLS := flag.Bool("tls", false, "Connect with TLS")
	caFile := flag.String("ca", "", "PEM file of CAs to trust (implies -tls)")
	insecure := flag.Bool("insecure", false, "Skip certificate verification (implies -tls)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: segkv-cli [flags] [get <key> | set <key> <value>]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	var tlsCfg *tls.Config
	if *useTLS || *caFile != "" || *insecure {
		host, _, err := net.SplitHostPort(*addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		tlsCfg, err = segtls.ClientConfig(*caFile, host, *insecure)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	c, err := client.DialTLS(context.Background(), *addr, *timeout, tlsCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		code := runOnce(c, strings.Join(flag.Args(), " "), os.Stdout, os.Stderr)
		c.Close()
		os.Exit(code)
	}

	p := tea.NewProgram(newModel(c, *addr))
	_, err = p.Run()
	c.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}

// runOnce sends one command. Error replies go to stderr with exit code 1.
func runOnce(c roundTripper, line string, stdout, stderr io.Writer) int {
	if _, err := checkCommand(line); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	reply, err := c.Do(line)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if protocol.IsErrorReply(reply) {
		fmt.Fprintln(stderr, reply)
		return 1
	}
	fmt.Fprintln(stdout, reply)
	return 0
}

// roundTripper is the part of the client the interactive model needs.
type roundTripper interface {
	Do(line string) (string, error)
}

var _ roundTripper = (*client.Client)(nil)

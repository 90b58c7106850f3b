// Package main implements the CLI client for the key-value store node.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MariamHany01/key-valueDB/pkg/client"
)

const usage = `Usage:
  kvctl [--addr host:port] set <key> <value>
  kvctl [--addr host:port] get <key>
  kvctl [--addr host:port] delete <key>
  kvctl [--addr host:port] bulk <key=value>...
  kvctl [--addr host:port] search [--any] <query>
  kvctl [--addr host:port] semsearch [--k n] [--threshold t] <query>
  kvctl [--addr host:port] stats

Writes sent to a follower are redirected to the current primary
automatically when a leader hint is available.

Flags:
  --addr     Node address (default 127.0.0.1:9000)
  --timeout  Request timeout (default 5s)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "kvctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:9000", "node address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required: set | get | delete | bulk | search | semsearch | stats")
	}

	c := client.New(*addr, client.WithTimeout(*timeout))
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		return c.Set([]byte(args[1]), []byte(args[2]))

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		value, ok, err := c.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", args[1])
		}
		fmt.Println(string(value))
		return nil

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		existed, err := c.Delete([]byte(args[1]))
		if err != nil {
			return err
		}
		if existed {
			fmt.Println("deleted")
		} else {
			fmt.Println("not found")
		}
		return nil

	case "bulk":
		if len(args) < 2 {
			return fmt.Errorf("usage: bulk <key=value>...")
		}
		pairs := make([]client.Pair, 0, len(args)-1)
		for _, arg := range args[1:] {
			key, value, ok := strings.Cut(arg, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid pair %q (expected key=value)", arg)
			}
			pairs = append(pairs, client.Pair{Key: []byte(key), Value: []byte(value)})
		}
		return c.BulkSet(pairs)

	case "search":
		fs := flag.NewFlagSet("search", flag.ContinueOnError)
		anyToken := fs.Bool("any", false, "match any token (OR) instead of all tokens (AND)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: search [--any] <query>")
		}
		keys, err := c.Search(fs.Arg(0), !*anyToken)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil

	case "semsearch":
		fs := flag.NewFlagSet("semsearch", flag.ContinueOnError)
		k := fs.Int("k", 10, "maximum number of results")
		threshold := fs.Float64("threshold", 0.1, "minimum Jaccard similarity")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: semsearch [--k n] [--threshold t] <query>")
		}
		hits, err := c.SemSearch(fs.Arg(0), *k, float32(*threshold))
		if err != nil {
			return err
		}
		for _, h := range hits {
			fmt.Printf("%s\t%.3f\n", h.Key, h.Score)
		}
		return nil

	case "stats":
		s, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("role:          %s (term %d)\n", s.Role, s.Term)
		fmt.Printf("keys:          %d\n", s.Keys)
		fmt.Printf("last seq:      %d\n", s.LastSeq)
		fmt.Printf("indexed keys:  %d\n", s.IndexedKeys)
		fmt.Printf("unique tokens: %d\n", s.UniqueTokens)
		fmt.Printf("postings:      %d\n", s.Postings)
		fmt.Printf("n-gram size:   %d\n", s.NGramSize)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

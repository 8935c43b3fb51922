// clevel-inspect is a REPL for poking at a Clevel arena file from the
// outside: search, insert, erase, and a handful of introspection commands.
//
// Usage:
//
//	clevel-inspect <arena-file>              Open an existing arena
//	clevel-inspect new [opts] <arena-file>    Create a new arena
//
// Options for 'new':
//
//	-s, --size          Arena size in bytes (default: 64MiB)
//	-p, --hash-power    Initial bottom level capacity as 2^p (default: 4)
//	-t, --threads       Thread count (default: 1)
//
// Commands (in REPL):
//
//	get <key>             Search for a key
//	put <key> <value>     Insert a key/value pair (thread 0)
//	update <key> <value>  Update an existing key (thread 0)
//	del <key>             Erase a key
//	cap                   Show total slot capacity
//	levels                Dump per-level capacities bottom-to-top
//	help                  Show this help
//	exit / quit / q        Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/clevel/engine"
	"github.com/calvinalkan/clevel/pkg/fs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "clevel-inspect:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: clevel-inspect [new [opts]] <arena-file>")
	}

	if args[0] == "new" {
		return runNew(args[1:])
	}

	e, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	return (&repl{e: e}).run()
}

func runNew(args []string) error {
	fset := flag.NewFlagSet("new", flag.ContinueOnError)
	size := fset.Uint64P("size", "s", 64<<20, "arena size in bytes")
	hashPower := fset.UintP("hash-power", "p", 4, "initial bottom level capacity as 2^p")
	threads := fset.IntP("threads", "t", 1, "initial thread count")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return errors.New("usage: clevel-inspect new [opts] <arena-file>")
	}

	opts := engine.Options{
		Path:        fset.Arg(0),
		ArenaSize:   *size,
		HashPower:   *hashPower,
		ThreadCount: *threads,
		Create:      true,
	}
	e, err := engine.Open[string, string](fs.NewReal(), opts, stringCodec(), nil)
	if err != nil {
		return fmt.Errorf("creating %s: %w", fset.Arg(0), err)
	}
	defer e.Close()

	fmt.Printf("created %s (capacity=%d)\n", fset.Arg(0), e.Capacity())
	return nil
}

func openExisting(path string) (*engine.Engine[string, string], error) {
	e, err := engine.Open[string, string](fs.NewReal(), engine.Options{Path: path}, stringCodec(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return e, nil
}

func stringCodec() engine.Codec[string, string] {
	return engine.Codec[string, string]{
		EncodeKey:   func(s string) []byte { return []byte(s) },
		DecodeKey:   func(b []byte) string { return string(b) },
		EncodeValue: func(s string) []byte { return []byte(s) },
		DecodeValue: func(b []byte) string { return string(b) },
	}
}

type repl struct {
	e     *engine.Engine[string, string]
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".clevel_inspect_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Println("clevel-inspect - type 'help' for commands")

	for {
		line, err := r.liner.Prompt("clevel> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "get":
			r.cmdGet(args)
		case "put":
			r.cmdPut(args)
		case "update":
			r.cmdUpdate(args)
		case "del", "delete":
			r.cmdDel(args)
		case "cap", "capacity":
			fmt.Println(r.e.Capacity())
		case "levels":
			fmt.Println(r.e.Levels())
		default:
			fmt.Printf("unknown command %q, try 'help'\n", cmd)
		}
	}
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = r.liner.WriteHistory(f)
}

func (r *repl) printHelp() {
	fmt.Println(`commands:
  get <key>             search for a key
  put <key> <value>     insert a key/value pair
  update <key> <value>  update an existing key
  del <key>             erase a key
  cap                   show total slot capacity
  levels                show per-level capacities bottom-to-top
  help                  show this help
  exit / quit / q        exit`)
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	v, ok := r.e.Search(args[0])
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(v)
}

func (r *repl) cmdPut(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	res, err := r.e.Insert(args[0], args[1], 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if res.Found {
		fmt.Println("already exists")
		return
	}
	fmt.Println("ok")
}

func (r *repl) cmdUpdate(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: update <key> <value>")
		return
	}
	res, err := r.e.Update(args[0], args[1], 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !res.Found {
		fmt.Println("not found")
		return
	}
	fmt.Println("ok")
}

func (r *repl) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	res, err := r.e.Erase(args[0], 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !res.Found {
		fmt.Println("not found")
		return
	}
	fmt.Println("ok")
}

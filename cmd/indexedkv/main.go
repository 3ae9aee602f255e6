package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/arcstep/indexedkv"
	"github.com/arcstep/indexedkv/schema"
	"github.com/arcstep/indexedkv/utils"
	"github.com/ergochat/readline"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("register"),
	readline.PcItem("unregister"),
	readline.PcItem("indexes"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("find"),
	readline.PcItem("range"),
	readline.PcItem("count"),
	readline.PcItem("scan"),
	readline.PcItem("rebuild"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

type config struct {
	Dir                string `yaml:"dir"`
	LogLevel           string `yaml:"log_level"`
	StrictRegistration bool   `yaml:"strict_registration"`
	NoSync             bool   `yaml:"no_sync"`
}

func loadConfig(path string) (cfg config, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	err = yaml.Unmarshal(raw, &cfg)
	return
}

func (c config) level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const usage = `commands:
  register   <collection> <model> <path> [kind]   kind: any/bool/int/float/string/time
  unregister <collection> <model> <path>
  indexes    <collection> <model>
  put        <collection> <model> [key] <json>    key defaults to a fresh uuid
  get        <collection> <key>
  del        <collection> <model> <key>
  find       <collection> <model> <path> <json>
  range      <collection> <model> <path> <json|-> <json|->
  count      <collection> <model> <path> <json>
  scan       <collection>
  rebuild    <collection> <model>
  exit`

func parseKind(word string) (*schema.Descriptor, error) {
	switch word {
	case "", "any":
		return schema.Scalar(schema.Any), nil
	case "bool", "int", "float", "string", "time":
		return schema.Scalar(schema.Kind(word)), nil
	}
	return nil, fmt.Errorf("unknown kind %q", word)
}

// parseValue reads a JSON literal; "-" means unset (open range bound).
func parseValue(lit string) (any, error) {
	if lit == "-" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(lit), &v); err != nil {
		return nil, fmt.Errorf("bad JSON literal %q: %w", lit, err)
	}
	return v, nil
}

func run(db *indexedkv.Database, line string) error {
	ctx := context.Background()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Println(usage)
	case "register":
		if len(args) < 3 {
			return fmt.Errorf("register <collection> <model> <path> [kind]")
		}
		kind := ""
		if len(args) > 3 {
			kind = args[3]
		}
		desc, err := parseKind(kind)
		if err != nil {
			return err
		}
		return db.RegisterIndex(ctx, args[0], args[1], args[2], desc)
	case "unregister":
		if len(args) != 3 {
			return fmt.Errorf("unregister <collection> <model> <path>")
		}
		return db.UnregisterIndex(ctx, args[0], args[1], args[2])
	case "indexes":
		if len(args) != 2 {
			return fmt.Errorf("indexes <collection> <model>")
		}
		for _, p := range db.Indexes(args[0], args[1]) {
			fmt.Println(p)
		}
	case "put":
		if len(args) < 3 {
			return fmt.Errorf("put <collection> <model> [key] <json>")
		}
		key := uuid.NewString()
		jsn := strings.Join(args[2:], " ")
		if !strings.HasPrefix(args[2], "{") && !strings.HasPrefix(args[2], "[") && len(args) > 3 {
			key = args[2]
			jsn = strings.Join(args[3:], " ")
		}
		value, err := parseValue(jsn)
		if err != nil {
			return err
		}
		if err := db.Put(ctx, args[0], args[1], key, value); err != nil {
			return err
		}
		fmt.Println(key)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("get <collection> <key>")
		}
		raw, err := db.GetRaw(args[0], args[1])
		if err != nil {
			return err
		}
		if raw == nil {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(raw))
	case "del":
		if len(args) != 3 {
			return fmt.Errorf("del <collection> <model> <key>")
		}
		return db.Delete(ctx, args[0], args[1], args[2])
	case "find":
		if len(args) != 4 {
			return fmt.Errorf("find <collection> <model> <path> <json>")
		}
		value, err := parseValue(args[3])
		if err != nil {
			return err
		}
		seq, err := db.FindExact(args[0], args[1], args[2], value)
		if err != nil {
			return err
		}
		for key := range seq {
			fmt.Println(key)
		}
	case "range":
		if len(args) != 5 {
			return fmt.Errorf("range <collection> <model> <path> <start|-> <end|->")
		}
		start, err := parseValue(args[3])
		if err != nil {
			return err
		}
		end, err := parseValue(args[4])
		if err != nil {
			return err
		}
		seq, err := db.FindRange(args[0], args[1], args[2], indexedkv.RangeQuery{Start: start, End: end})
		if err != nil {
			return err
		}
		for key := range seq {
			fmt.Println(key)
		}
	case "count":
		if len(args) != 4 {
			return fmt.Errorf("count <collection> <model> <path> <json>")
		}
		value, err := parseValue(args[3])
		if err != nil {
			return err
		}
		n, err := db.Count(args[0], args[1], args[2], value)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "scan":
		if len(args) != 1 {
			return fmt.Errorf("scan <collection>")
		}
		seq, err := db.Scan(args[0])
		if err != nil {
			return err
		}
		for key := range seq {
			fmt.Println(key)
		}
	case "rebuild":
		if len(args) != 2 {
			return fmt.Errorf("rebuild <collection> <model>")
		}
		return db.Rebuild(ctx, args[0], args[1])
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func main() {
	cfgPath := flag.String("c", "", "path to a YAML config file")
	flag.Parse()

	cfg := config{Dir: "indexedkv-data", LogLevel: "info"}
	if *cfgPath != "" {
		var err error
		if cfg, err = loadConfig(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-2)
		}
	} else if flag.NArg() > 0 {
		cfg.Dir = flag.Arg(0)
	}

	db, err := indexedkv.Open(cfg.Dir, indexedkv.Options{
		Logger:             utils.NewDefaultLogger(cfg.level()),
		StrictRegistration: cfg.StrictRegistration,
		NoSync:             cfg.NoSync,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	defer db.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/indexedkv.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}
		if err := run(db, line); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stormkv/client"
)

func main() {
	host := flag.String("host", "localhost:6480", "Server address")
	home := flag.String("home", ".", "Path to home directory containing certs/")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	var logger *slog.Logger
	if *debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var cl *client.Client
	var err error

	caPath := filepath.Join(*home, "certs", "ca.crt")
	certPath := filepath.Join(*home, "certs", "client.crt")
	keyPath := filepath.Join(*home, "certs", "client.key")

	if _, statErr := os.Stat(caPath); statErr == nil {
		fmt.Printf("Connecting to %s via TLS (Home: %s)...\n", *host, *home)
		cl, err = client.NewTLSClientHelper(*host, caPath, certPath, keyPath, logger)
	} else {
		fmt.Printf("Certificates not found at %s/certs. Connecting to %s via insecure TCP...\n", *home, *host)
		cl, err = client.NewClient(client.Config{
			Address:        *host,
			ConnectTimeout: 5 * time.Second,
			Logger:         logger,
		})
	}

	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	if err := cl.Ping(); err != nil {
		fmt.Printf("Failed to ping server: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Connected.")
	fmt.Println("Commands: select <db>, get <k>, set <k> <v>, append <k> <v>, del <k>, pexpireat <k> <ms>, stick <k>, hset <k> <f> <v>..., hgetall <k>, flushdb, stat, ftcreate <name> <prefix> <schema>, ftdrop <name>, ftsearch <name> <query>, clear, quit")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		parts := strings.SplitN(line, " ", 3)
		cmd := strings.ToLower(parts[0])

		if cmd == "clear" || cmd == "cls" {
			fmt.Print("\033[H\033[2J")
			fmt.Print("> ")
			continue
		}
		if cmd == "quit" || cmd == "exit" {
			return
		}

		handleCommand(cl, cmd, parts)
		fmt.Print("> ")
	}
}

func handleCommand(cl *client.Client, cmd string, parts []string) {
	var err error
	var result []byte

	switch cmd {
	case "ping":
		err = cl.Ping()
		if err == nil {
			fmt.Println("PONG")
		}

	case "select":
		if len(parts) < 2 {
			fmt.Println("Usage: select <db>")
			return
		}
		db, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			fmt.Println("Usage: select <db>")
			return
		}
		err = cl.Select(db)
		if err == nil {
			fmt.Println("OK")
		}

	case "get":
		if len(parts) < 2 {
			fmt.Println("Usage: get <key>")
			return
		}
		result, err = cl.Get(parts[1])
		if err == nil {
			fmt.Printf("OK: %s\n", string(result))
		}

	case "set":
		if len(parts) < 3 {
			fmt.Println("Usage: set <key> <value>")
			return
		}
		err = cl.Set(parts[1], []byte(parts[2]))
		if err == nil {
			fmt.Println("OK")
		}

	case "append":
		if len(parts) < 3 {
			fmt.Println("Usage: append <key> <value>")
			return
		}
		var n int
		n, err = cl.Append(parts[1], []byte(parts[2]))
		if err == nil {
			fmt.Printf("(integer) %d\n", n)
		}

	case "del":
		if len(parts) < 2 {
			fmt.Println("Usage: del <key>")
			return
		}
		err = cl.Del(parts[1])
		if err == nil {
			fmt.Println("OK")
		}

	case "pexpireat":
		if len(parts) < 3 {
			fmt.Println("Usage: pexpireat <key> <millis>")
			return
		}
		at, convErr := strconv.ParseInt(parts[2], 10, 64)
		if convErr != nil {
			fmt.Println("Usage: pexpireat <key> <millis>")
			return
		}
		err = cl.ExpireAt(parts[1], at)
		if err == nil {
			fmt.Println("OK")
		}

	case "stick":
		if len(parts) < 2 {
			fmt.Println("Usage: stick <key>")
			return
		}
		err = cl.Stick(parts[1])
		if err == nil {
			fmt.Println("OK")
		}

	case "hset":
		var args []string
		if len(parts) > 2 {
			args = strings.Fields(parts[2])
		}
		if len(parts) < 3 || len(args) < 2 || len(args)%2 != 0 {
			fmt.Println("Usage: hset <key> <field> <value> [<field> <value> ...]")
			return
		}
		fields := make(map[string]string, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			fields[args[i]] = args[i+1]
		}
		var created int
		created, err = cl.HSet(parts[1], fields)
		if err == nil {
			fmt.Printf("(integer) %d\n", created)
		}

	case "hgetall":
		if len(parts) < 2 {
			fmt.Println("Usage: hgetall <key>")
			return
		}
		var fields map[string]string
		fields, err = cl.HGetAll(parts[1])
		if err == nil {
			i := 1
			for f, v := range fields {
				fmt.Printf("%d) %s\n%d) %s\n", i, f, i+1, v)
				i += 2
			}
		}

	case "flushdb":
		var n int
		n, err = cl.FlushDb()
		if err == nil {
			fmt.Printf("(integer) %d\n", n)
		}

	case "stat":
		var msg string
		msg, err = cl.Stat()
		if err == nil {
			fmt.Println(msg)
		}

	case "ftcreate":
		var rest []string
		if len(parts) > 2 {
			rest = strings.SplitN(parts[2], " ", 2)
		}
		if len(parts) < 3 || len(rest) < 2 {
			fmt.Println("Usage: ftcreate <name> <prefix> <schema...>")
			return
		}
		err = cl.IdxCreate(parts[1], rest[0], rest[1])
		if err == nil {
			fmt.Println("OK")
		}

	case "ftdrop":
		if len(parts) < 2 {
			fmt.Println("Usage: ftdrop <name>")
			return
		}
		err = cl.IdxDrop(parts[1])
		if err == nil {
			fmt.Println("OK")
		}

	case "ftsearch":
		if len(parts) < 3 {
			fmt.Println("Usage: ftsearch <name> <query>")
			return
		}
		var keys []string
		keys, err = cl.IdxSearch(parts[1], parts[2], nil)
		if err == nil {
			if len(keys) == 0 {
				fmt.Println("(empty)")
			}
			for i, k := range keys {
				fmt.Printf("%d) %s\n", i+1, k)
			}
		}

	default:
		fmt.Println("Unknown command")
		return
	}

	if err != nil {
		printError(err)
	}
}

func printError(err error) {
	switch {
	case errors.Is(err, client.ErrConnection):
		fmt.Println("ERR: Connection closed by server")
		os.Exit(1)
	case errors.Is(err, client.ErrNotFound):
		fmt.Println("(nil)")
	case errors.Is(err, client.ErrWrongType):
		fmt.Println("ERR: Wrong value type")
	case errors.Is(err, client.ErrServerBusy):
		fmt.Println("ERR: Server Busy")
	case errors.Is(err, client.ErrEntityTooLarge):
		fmt.Println("ERR: Entity Too Large")
	default:
		fmt.Printf("ERR: %v\n", err)
	}
}

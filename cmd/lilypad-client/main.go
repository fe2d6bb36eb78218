// Command lilypad-client is a line-oriented client for the relay: it
// authenticates, joins the room, and drives the voice and screen
// pipelines from simple slash commands. A graphical shell would consume
// the same published state.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cm21968/LilyPad/client"
	"github.com/cm21968/LilyPad/protocol"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	server := envOr("LILYPAD_SERVER", "127.0.0.1:7777")
	dataDir := envOr("LILYPAD_DATA", defaultDataDir())

	c := client.New(client.Config{
		ServerAddr:           server,
		AcceptUntrustedCerts: os.Getenv("LILYPAD_INSECURE") != "",
		DataDir:              dataDir,
		CaptureDevice:        envInt("LILYPAD_MIC", -1),
		PlaybackDevice:       envInt("LILYPAD_SPEAKER", -1),
	})

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}

	if !login(c) {
		os.Exit(1)
	}
	fmt.Printf("logged in as %s (id %d)\n", c.Username(), c.ClientID())

	repl(c)
	c.Leave()
}

// login tries the saved rolling token first, then falls back to an
// interactive password login or registration.
func login(c *client.Connection) bool {
	if resp, err := c.TokenLogin(); err == nil && resp.Status == protocol.StatusOK {
		return true
	} else if err == nil && resp.Status != protocol.StatusTokenExpired {
		fmt.Fprintln(os.Stderr, "token login:", resp.Message)
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("username: ")
		if !in.Scan() {
			return false
		}
		username := strings.TrimSpace(in.Text())
		fmt.Print("password: ")
		if !in.Scan() {
			return false
		}
		password := strings.TrimSpace(in.Text())

		resp, err := c.Login(username, password)
		if err != nil {
			fmt.Fprintln(os.Stderr, "login failed:", err)
			return false
		}
		switch resp.Status {
		case protocol.StatusOK:
			return true
		case protocol.StatusInvalidCreds:
			fmt.Println("invalid credentials; type r to register, anything else to retry")
			if in.Scan() && strings.TrimSpace(in.Text()) == "r" {
				reg, err := c.Register(username, password)
				if err != nil {
					fmt.Fprintln(os.Stderr, "register failed:", err)
					return false
				}
				fmt.Println(reg.Message)
			}
		default:
			fmt.Println("login rejected:", resp.Message)
			return false
		}
	}
}

func repl(c *client.Connection) {
	fmt.Println("commands: /users /voice /mute /share /stop /watch <id> /unwatch /volume <id> <v> /passwd /logout /quit")
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendChat(line); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
				return
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/users":
			for _, u := range c.State.Users() {
				marks := ""
				if u.InVoice {
					marks += " [voice]"
				}
				if u.Sharing {
					marks += " [sharing]"
				}
				if c.State.Talking(u.ID) {
					marks += " [talking]"
				}
				fmt.Printf("  %d  %s%s\n", u.ID, u.Name, marks)
			}
		case "/voice":
			if err := c.Voice.Join(); err != nil {
				fmt.Fprintln(os.Stderr, "voice join failed:", err)
			}
		case "/leave":
			c.Voice.Leave()
		case "/mute":
			c.Voice.Muted.Store(!c.Voice.Muted.Load())
			fmt.Println("muted:", c.Voice.Muted.Load())
		case "/share":
			if err := c.Screen.StartShare(); err != nil {
				fmt.Fprintln(os.Stderr, "share failed:", err)
			}
		case "/stop":
			c.Screen.StopShare()
		case "/watch":
			if len(fields) != 2 {
				fmt.Println("usage: /watch <id>")
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				fmt.Println("bad id")
				continue
			}
			if err := c.Screen.Watch(uint32(id)); err != nil {
				fmt.Fprintln(os.Stderr, "watch failed:", err)
			}
		case "/unwatch":
			c.Screen.Unwatch()
		case "/volume":
			if len(fields) != 3 {
				fmt.Println("usage: /volume <id> <0..2>")
				continue
			}
			id, err1 := strconv.ParseUint(fields[1], 10, 32)
			v, err2 := strconv.ParseFloat(fields[2], 32)
			if err1 != nil || err2 != nil {
				fmt.Println("bad arguments")
				continue
			}
			c.State.SetVolume(uint32(id), float32(v))
		case "/passwd":
			fmt.Print("old password: ")
			if !in.Scan() {
				return
			}
			oldPass := strings.TrimSpace(in.Text())
			fmt.Print("new password: ")
			if !in.Scan() {
				return
			}
			newPass := strings.TrimSpace(in.Text())
			resp, err := c.ChangePassword(oldPass, newPass)
			if err != nil {
				fmt.Fprintln(os.Stderr, "change failed:", err)
				continue
			}
			fmt.Println(resp.Message)
		case "/logout":
			c.Logout()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserConfigDir()
	if err != nil {
		return ".lilypad"
	}
	return home + string(os.PathSeparator) + "lilypad"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

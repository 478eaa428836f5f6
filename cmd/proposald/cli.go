package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"proposald/internal/alert/inapp"
	"proposald/internal/app"
	"proposald/internal/config"
	"proposald/internal/control"
	"proposald/internal/credential"
	"proposald/internal/notification"
)

// newCLIApp creates the CLI application with all commands. Output goes to
// out; token set reads from in when no argument is given.
func newCLIApp(out io.Writer, in io.Reader) *cli.App {
	cliApp := &cli.App{
		Name:    "proposald",
		Usage:   "Real-time multisig proposal notifications",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: control.DefaultAddr, EnvVars: []string{"PROPOSALD_ADDR"}, Usage: "Control server address"},
			&cli.StringFlag{Name: "control-token", EnvVars: []string{"PROPOSALD_CONTROL_TOKEN"}, Usage: "Control server bearer token"},
		},
		Writer: out,
		Reader: in,
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			listCmd(),
			unreadCmd(),
			readCmd(),
			readAllCmd(),
			removeCmd(),
			clearCmd(),
			inappCmd(),
			actCmd(),
			connectCmd(),
			disconnectCmd(),
			tokenCmd(),
			configCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	cliApp.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return cliApp
}

func configFlag() cli.Flag {
	return &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "./proposald.yaml", EnvVars: []string{"PROPOSALD_CONFIG"}, Usage: "Config file (JSON or YAML)"}
}

func client(c *cli.Context) *control.Client {
	return control.NewClient(c.String("addr"), c.String("control-token"))
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show connection, ledger and alert state",
		Action: func(c *cli.Context) error {
			st, err := client(c).Status(c.Context)
			if err != nil {
				return err
			}
			return outputJSON(c, st)
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List notifications, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Only this kind"},
			&cli.BoolFlag{Name: "unread", Aliases: []string{"u"}, Usage: "Only unread entries"},
		},
		Action: func(c *cli.Context) error {
			var kind notification.Kind
			if raw := c.String("kind"); raw != "" {
				k, err := notification.ParseKind(raw)
				if err != nil {
					return err
				}
				kind = k
			}
			items, err := client(c).List(c.Context, kind)
			if err != nil {
				return err
			}
			if c.Bool("unread") {
				kept := items[:0]
				for _, n := range items {
					if !n.Read {
						kept = append(kept, n)
					}
				}
				items = kept
			}
			if items == nil {
				items = []notification.Notification{}
			}
			return outputJSON(c, items)
		},
	}
}

func unreadCmd() *cli.Command {
	return &cli.Command{
		Name:  "unread",
		Usage: "Print the unread count",
		Action: func(c *cli.Context) error {
			n, err := client(c).UnreadCount(c.Context)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, n)
			return err
		},
	}
}

func readCmd() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Mark a notification as read",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "id")
			if err != nil {
				return err
			}
			return client(c).MarkRead(c.Context, id)
		},
	}
}

func readAllCmd() *cli.Command {
	return &cli.Command{
		Name:  "read-all",
		Usage: "Mark every notification as read",
		Action: func(c *cli.Context) error {
			n, err := client(c).MarkAllRead(c.Context)
			if err != nil {
				return err
			}
			return outputJSON(c, map[string]int{"marked": n})
		},
	}
}

func removeCmd() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove one notification",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "id")
			if err != nil {
				return err
			}
			return client(c).Remove(c.Context, id)
		},
	}
}

func clearCmd() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove every notification",
		Action: func(c *cli.Context) error {
			n, err := client(c).Clear(c.Context)
			if err != nil {
				return err
			}
			return outputJSON(c, map[string]int{"removed": n})
		},
	}
}

func inappCmd() *cli.Command {
	return &cli.Command{
		Name:  "inapp",
		Usage: "Show the current in-app alert",
		Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of the modal"}},
		Action: func(c *cli.Context) error {
			v, err := client(c).InApp(c.Context)
			if err != nil {
				return err
			}
			return printInApp(c, v)
		},
	}
}

func actCmd() *cli.Command {
	return &cli.Command{
		Name:      "act",
		Usage:     "Act on the current in-app alert",
		ArgsUsage: "view|ignore",
		Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of the modal"}},
		Action: func(c *cli.Context) error {
			raw, err := requireArg(c, "action")
			if err != nil {
				return err
			}
			a, err := inapp.ParseAction(raw)
			if err != nil {
				return err
			}
			v, err := client(c).Act(c.Context, a)
			if err != nil {
				return err
			}
			return printInApp(c, v)
		},
	}
}

func printInApp(c *cli.Context, v control.InAppView) error {
	if c.Bool("json") {
		return outputJSON(c, v)
	}
	if v.Current == nil {
		_, err := fmt.Fprintf(c.App.Writer, "no in-app alert (%d waiting)\n", len(v.Backlog))
		return err
	}
	snap := inapp.Snapshot{Current: v.Current, Remaining: time.Duration(v.RemainingMS) * time.Millisecond, Backlog: v.Backlog}
	_, err := fmt.Fprintln(c.App.Writer, inapp.Render(snap))
	return err
}

func connectCmd() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Open the live connection",
		Action: func(c *cli.Context) error {
			started, err := client(c).Connect(c.Context)
			if err != nil {
				return err
			}
			return outputJSON(c, map[string]bool{"started": started})
		},
	}
}

func disconnectCmd() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Close the live connection (no reconnect)",
		Action: func(c *cli.Context) error {
			return client(c).Disconnect(c.Context)
		},
	}
}

func tokenCmd() *cli.Command {
	keyringFlags := []cli.Flag{
		&cli.StringFlag{Name: "key", Value: credential.DefaultKey, Usage: "Keyring entry name"},
		&cli.StringFlag{Name: "keyring-dir", Usage: "Directory for the encrypted-file backend"},
	}
	openRing := func(c *cli.Context) (credential.Keyring, error) {
		ring, err := credential.OpenKeyring(c.String("keyring-dir"))
		if err != nil {
			return credential.Keyring{}, err
		}
		return credential.Keyring{Ring: ring, Key: c.String("key")}, nil
	}
	return &cli.Command{
		Name:  "token",
		Usage: "Manage the session token",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store the token in the keyring (argument or first stdin line)",
				ArgsUsage: "[token]",
				Flags:     keyringFlags,
				Action: func(c *cli.Context) error {
					tok, err := tokenInput(c)
					if err != nil {
						return err
					}
					k, err := openRing(c)
					if err != nil {
						return err
					}
					if err := k.Set(tok); err != nil {
						return err
					}
					return outputJSON(c, credential.Inspect(tok, time.Now()))
				},
			},
			{
				Name:  "clear",
				Usage: "Remove the token from the keyring",
				Flags: keyringFlags,
				Action: func(c *cli.Context) error {
					k, err := openRing(c)
					if err != nil {
						return err
					}
					return k.Clear()
				},
			},
			{
				Name:      "inspect",
				Usage:     "Decode a JWT's subject and expiry without verifying it",
				ArgsUsage: "[token]",
				Action: func(c *cli.Context) error {
					tok, err := tokenInput(c)
					if err != nil {
						return err
					}
					return outputJSON(c, credential.Inspect(tok, time.Now()))
				},
			},
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Config helpers",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Validate a config file",
				Flags: []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					path := c.String("config")
					cfg, err := config.NewManager(path).Parse()
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					set, err := app.MapConfig(cfg)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					return outputJSON(c, map[string]any{
						"ok":        true,
						"server":    set.Session.BaseURL,
						"storage":   storageName(set.Storage.Driver),
						"native":    set.Native.Enabled,
						"surface":   set.Native.Surface,
						"inapp":     set.InApp.Enabled,
						"control":   set.Control.Enabled,
						"navigator": set.Navigation.Navigator,
					})
				},
			},
		},
	}
}

func storageName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}

func tokenInput(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		if tok := strings.TrimSpace(c.Args().First()); tok != "" {
			return tok, nil
		}
	}
	line, err := bufio.NewReader(c.App.Reader).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	tok := strings.TrimSpace(line)
	if tok == "" {
		return "", errors.New("token is required (argument or stdin)")
	}
	return tok, nil
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() == 0 || strings.TrimSpace(c.Args().First()) == "" {
		return "", fmt.Errorf("missing <%s>", name)
	}
	return strings.TrimSpace(c.Args().First()), nil
}

// outputJSON writes v as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

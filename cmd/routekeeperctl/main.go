// Command routekeeperctl is a small admin CLI for a running routekeeperd:
// key registration and inspection, revocation, rotation, and decision
// explanations over the daemon's HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "routekeeperd base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	c := &cli{addr: *addr, client: client}

	var err error
	switch args[0] {
	case "health":
		err = c.get("/healthz")
	case "keys":
		err = c.keys(args[1:])
	case "explain":
		if len(args) < 2 {
			err = fmt.Errorf("usage: explain <decision-id>")
		} else {
			err = c.get("/v1/decisions/" + args[1] + "/explain")
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "routekeeperctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: routekeeperctl [-addr URL] <command>

commands:
  health                                  daemon health and registered providers
  keys list [provider]                    list keys
  keys add <provider> <material-file>     register a key (material read from file)
  keys revoke <key-id>                    revoke a key
  keys rotate <key-id> <material-file>    rotate key material
  explain <decision-id>                   print a decision explanation`)
}

type cli struct {
	addr   string
	client *http.Client
}

func (c *cli) keys(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: keys <list|add|revoke|rotate>")
	}
	switch args[0] {
	case "list":
		path := "/v1/keys"
		if len(args) > 1 {
			path += "?provider=" + args[1]
		}
		return c.get(path)
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: keys add <provider> <material-file>")
		}
		material, err := readMaterial(args[2])
		if err != nil {
			return err
		}
		return c.post("/v1/keys", map[string]any{
			"provider_id": args[1],
			"material":    material,
		})
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: keys revoke <key-id>")
		}
		return c.delete("/v1/keys/" + args[1])
	case "rotate":
		if len(args) < 3 {
			return fmt.Errorf("usage: keys rotate <key-id> <material-file>")
		}
		material, err := readMaterial(args[2])
		if err != nil {
			return err
		}
		return c.post("/v1/keys/"+args[1]+"/rotate", map[string]any{"material": material})
	default:
		return fmt.Errorf("unknown keys subcommand %q", args[0])
	}
}

// readMaterial loads key material from a file (or stdin when path is "-")
// so secrets never appear in shell history or process listings.
func readMaterial(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read material: %w", err)
	}
	return string(bytes.TrimSpace(data)), nil
}

func (c *cli) get(path string) error {
	resp, err := c.client.Get(c.addr + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *cli) post(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *cli) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
		return nil
	}
	fmt.Print(string(body))
	return nil
}

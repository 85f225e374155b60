package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// MCP JSON-RPC structures
type MCPRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type MCPResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func main() {
	binaryPath := flag.String("binary", "../plugin-migrate", "Path to the MCP server binary")
	flag.Parse()

	fmt.Println("MCP server smoke test")
	fmt.Println()

	if _, err := os.Stat(*binaryPath); os.IsNotExist(err) {
		fmt.Println("Binary not found. Run 'make build' first.")
		os.Exit(1)
	}

	tester := &MCPTester{binary: *binaryPath}
	if err := tester.RunTests(); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("All tests passed")
}

type MCPTester struct {
	binary string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int
}

func (t *MCPTester) RunTests() error {
	if err := t.startServer(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer t.cleanup()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Initialize connection", t.testInitialize},
		{"List tools", t.testListTools},
		{"Preview migration", t.testPreviewMigration},
		{"Unknown plugin status", t.testUnknownStatus},
	}

	for _, test := range tests {
		fmt.Printf("  %s... ", test.name)
		if err := test.fn(); err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("test '%s' failed: %w", test.name, err)
		}
		fmt.Println("ok")
	}

	return nil
}

func (t *MCPTester) startServer() error {
	t.cmd = exec.Command(t.binary)
	t.cmd.Stderr = io.Discard

	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return err
	}
	t.stdin = stdin

	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	t.reader = bufio.NewReader(stdout)

	return t.cmd.Start()
}

func (t *MCPTester) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
}

func (t *MCPTester) call(method string, params interface{}) (*MCPResponse, error) {
	t.nextID++
	reqBytes, err := json.Marshal(MCPRequest{JSONRPC: "2.0", ID: t.nextID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if _, err := t.stdin.Write(append(reqBytes, '\n')); err != nil {
		return nil, err
	}

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case line := <-lines:
		var resp MCPResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return &resp, nil
	case err := <-errs:
		return nil, fmt.Errorf("read error: %w", err)
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (t *MCPTester) callTool(name string, args map[string]interface{}) (*toolResult, error) {
	resp, err := t.call("tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result toolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("no content in %s response", name)
	}
	return &result, nil
}

func (t *MCPTester) testInitialize() error {
	resp, err := t.call("initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "test-client", "version": "1.0.0"},
	})
	if err != nil {
		return err
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("no result in initialize response")
	}
	return nil
}

func (t *MCPTester) testListTools() error {
	resp, err := t.call("tools/list", map[string]interface{}{})
	if err != nil {
		return err
	}

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}

	found := make(map[string]bool)
	for _, tool := range result.Tools {
		found[tool.Name] = true
	}
	for _, expected := range []string{"migration_status", "migration_journal", "preview_migration"} {
		if !found[expected] {
			return fmt.Errorf("missing tool: %s", expected)
		}
	}
	return nil
}

func (t *MCPTester) testPreviewMigration() error {
	result, err := t.callTool("preview_migration", map[string]interface{}{
		"plugin": "smoke-test",
		"schema": map[string]interface{}{
			"tables": map[string]interface{}{
				"smoke_items": map[string]interface{}{
					"columns": []map[string]interface{}{
						{"name": "id", "type": "uuid", "primary_key": true},
						{"name": "label", "type": "text"},
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("preview returned an error: %s", result.Content[0].Text)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &body); err != nil || !body.Success {
		return fmt.Errorf("preview did not return success response")
	}
	return nil
}

func (t *MCPTester) testUnknownStatus() error {
	result, err := t.callTool("migration_status", map[string]interface{}{"plugin": "smoke-test-missing"})
	if err != nil {
		return err
	}
	if !result.IsError {
		return fmt.Errorf("expected an error for an unknown plugin")
	}
	return nil
}

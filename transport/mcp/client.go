package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/receipt"
	"github.com/wricardo/tabsplit/relay"
)

// Client is a thin MCP client that proxies to the relay's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the relay HTTP API at baseURL
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"tabsplit relay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`tabsplit relay - MCP Interface

The relay pairs a host device with guest devices under an 8 character room
code so they can split a bill together. Room contents are never visible here.

AVAILABLE TOOLS:
- relay_health: Check that the relay is up
- relay_stats: Count live rooms and connected guests
- share_link: Build the join link and QR code URL for a room code
- check_receipt: Validate a receipt JSON document before hosting a session`),
	)

	c.registerTools()
}

func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "relay_health",
		Description: "Check relay liveness and uptime",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleHealth)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "relay_stats",
		Description: "Get the number of live rooms and connected guests",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleStats)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "share_link",
		Description: "Get the join link and QR code URL for a room code",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room_code": map[string]interface{}{
					"type":        "string",
					"description": "8 character room code, e.g. ABCD2345",
				},
			},
			Required: []string{"room_code"},
		},
	}, c.handleShareLink)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "check_receipt",
		Description: "Validate a receipt JSON document and list any problems",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"receipt_json": map[string]interface{}{
					"type":        "string",
					"description": "Receipt JSON with lineItems and optional people",
				},
			},
			Required: []string{"receipt_json"},
		},
	}, c.handleCheckReceipt)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// Tool handlers

func (c *Client) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var health map[string]interface{}
	if err := c.apiCall(ctx, "GET", "/healthz", nil, &health); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Relay status: %v\nUptime: %v\n", health["status"], health["uptime"])), nil
}

func (c *Client) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var stats relay.Stats
	if err := c.apiCall(ctx, "GET", "/api/stats", nil, &stats); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatStats(stats)), nil
}

func (c *Client) handleShareLink(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	code, _ := args["room_code"].(string)
	code = protocol.NormalizeRoomCode(code)
	if !protocol.ValidRoomCode(code) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid room code %q: expected %d characters from %s",
			code, protocol.RoomCodeLength, protocol.RoomCodeAlphabet)), nil
	}

	var link struct {
		Code string `json:"code"`
		URL  string `json:"url"`
	}
	if err := c.apiCall(ctx, "GET", "/api/rooms/"+code+"/link", nil, &link); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Room: %s\nJoin link: %s\nQR code: %s/api/rooms/%s/qr\n", link.Code, link.URL, c.baseURL, link.Code)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleCheckReceipt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	raw, _ := args["receipt_json"].(string)

	var r receipt.Receipt
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("receipt is not valid JSON: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceiptCheck(&r)), nil
}

func formatStats(stats relay.Stats) string {
	return fmt.Sprintf("Live rooms: %d\nConnected guests: %d\n", stats.Rooms, stats.Guests)
}

func formatReceiptCheck(r *receipt.Receipt) string {
	var sb strings.Builder
	problems := r.Problems()
	if len(problems) == 0 {
		fmt.Fprintf(&sb, "Receipt OK: %d line items, %d people\n", len(r.Items), len(r.People))
	} else {
		fmt.Fprintf(&sb, "Receipt has %d problem(s):\n", len(problems))
		for _, p := range problems {
			fmt.Fprintf(&sb, "  - %s\n", p)
		}
	}
	if low := r.LowConfidence(0.7); len(low) > 0 {
		sb.WriteString("Low confidence items to double check:\n")
		for _, it := range low {
			fmt.Fprintf(&sb, "  - %s (%.0f%%)\n", strings.TrimSpace(it.Name), it.Confidence*100)
		}
	}
	return sb.String()
}

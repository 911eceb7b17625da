package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const defaultServer = "http://127.0.0.1:8080"

// client talks to the admin API of a running server
type client struct {
	base string
}

func newClient(server string) *client {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return &client{base: strings.TrimRight(server, "/")}
}

// do sends body (may be nil) and decodes a JSON response into out (may be nil)
func (c *client) do(method, path string, body []byte, out interface{}) error {
	// Bytes releases the agent back to the pool
	agent := fiber.AcquireAgent()

	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	if body != nil {
		agent.ContentType("application/yaml")
		agent.Body(body)
	}
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}

	code, resp, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("failed to reach %s: %w", c.base, errors.Join(errs...))
	}
	if code >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, code)
		}
		return fmt.Errorf("unexpected HTTP %d", code)
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	return json.Unmarshal(resp, out)
}

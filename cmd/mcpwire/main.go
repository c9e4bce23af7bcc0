// Command mcpwire bridges MCP servers between stdio, SSE and WebSocket.
//
//	mcpwire serve -- mcp-server-files --root /srv   # stdio child -> SSE/WebSocket
//	mcpwire connect https://mcp.example.com/sse     # remote server -> stdin/stdout
package main

import "github.com/gin-gonic/gin"

func main() {
	gin.SetMode(gin.ReleaseMode)
	execute()
}

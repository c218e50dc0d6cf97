// Package ws streams agent status over WebSocket.
//
// Hub.ServeHTTP sends the current status on connect and Hub.Run pushes a
// fresh one every interval:
//
//	{
//	  "event": "status",
//	  "data":  { /* same schema as GET /api/v1/status */ }
//	}
//
// The agent mounts the hub at /ws/status.
package ws

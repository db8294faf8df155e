package node

import "github.com/gin-gonic/gin"

// Node is a process that exposes an HTTP surface next to its world traffic.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

//go:build tools
// +build tools

// Package tools pins tool dependencies invoked through go generate (mockgen).
package tools

import (
	_ "go.uber.org/mock/mockgen"
)

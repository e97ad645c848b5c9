package main

import (
	// Import all Kubernetes client auth plugins
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/agentplatform/stack-agent-manager/pkg/cli"
)

func main() {
	cli.Execute()
}

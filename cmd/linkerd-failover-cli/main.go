package main

import "github.com/linkerd/linkerd-failover/cli"

func main() {
	cli.Execute()
}

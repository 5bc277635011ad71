package main

import "github.com/comigor/supportdesk/internal/cli"

func main() {
	cli.Execute()
}

package main

import (
	"example.com/backstage/services/workflow/cmd"
)

func main() {
	cmd.Execute()
}

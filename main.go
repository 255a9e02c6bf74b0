package main

import "github.com/doctadg/perpstrader-sub009/cmd"

func main() {
	cmd.Execute()
}

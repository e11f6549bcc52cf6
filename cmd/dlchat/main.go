package main

import "github.com/joshcarp/dlchat"

func main() {
	dlchat.Execute()
}

// Command chatter runs the chat server. "chatter migrate" applies database
// migrations and exits.
package main

import (
	"log"
	"os"

	"chatter/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// proctorctl inspects and manages proctored attempts in the server database.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine; the environment is used as-is.
	_ = godotenv.Load()

	if err := newRootCmd(openStore).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

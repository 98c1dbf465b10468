// Command blinkos runs the blinking LED demo on a simulated or real board.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import "plex-kiosk/cmd"

func main() {
	cmd.Execute()
}

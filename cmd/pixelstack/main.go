package main

import "github.com/MeKo-Tech/pixelstack/internal/cmd"

func main() {
	cmd.Execute()
}

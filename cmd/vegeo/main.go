package main

import "github.com/klaasnotfound/vegeo-backend/internal/cmd"

func main() {
	cmd.Execute()
}

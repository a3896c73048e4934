package main

import "github.com/dipu67/socialApp-sub000/internal/app"

func main() {
	app.Run()
}

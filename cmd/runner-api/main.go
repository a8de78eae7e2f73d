package main

import (
	"context"
	"errors"
	"os"
)

func main() {
	app := mustBootstrapRunnerAPI(os.Args[1:])
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

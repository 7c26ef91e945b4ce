// Command sheetlens はスプレッドシート分析ダッシュボードのAPIサーバーとワーカーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/sheetlens/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sheetlens: %v\n", err)
		os.Exit(1)
	}
}

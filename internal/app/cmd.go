package app

import (
	"fmt"
	"io"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの掃除ワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "start the HTTP API server (default)"},
	{CommandWorker, "run periodic cleanup jobs"},
	{CommandMigrate, "apply database migrations and exit"},
	{CommandHealthcheck, "check /health on localhost:$SERVER_PORT"},
	{CommandHelp, "show this help"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch name := strings.TrimSpace(args[0]); name {
	case "-h", "--help":
		return CommandHelp
	default:
		for _, c := range commands {
			if string(c.cmd) == name {
				return c.cmd
			}
		}
	}
	return CommandServe
}

// WriteUsage はサブコマンドの一覧をwに書き出す。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sheetlens [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}

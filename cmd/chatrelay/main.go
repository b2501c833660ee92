// Command chatrelay はアクセスゲート付きのLLMストリーミングリレーサーバー。
//
// サブコマンド:
//
//	serve       リレーサーバーを起動する（デフォルト）
//	migrate     クォータストアのマイグレーションを実行する
//	healthcheck /healthへ問い合わせる（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/chatrelay/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

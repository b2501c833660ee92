package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はリレーサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はクォータストアのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// LookupCommand は名前に対応するサブコマンドを返す。未知の名前ならfalse。
func LookupCommand(name string) (Command, bool) {
	cmd, ok := commands[name]
	return cmd, ok
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := LookupCommand(args[0]); ok {
		return cmd
	}
	return CommandServe
}

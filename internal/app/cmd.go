package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はダッシュボードAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate は資格情報ストレージのマイグレーションを適用することを示す。
	CommandMigrate Command = "migrate"
	// CommandRollback は資格情報ストレージのマイグレーションを1つ戻すことを示す。
	// "migrate down" でも指定できる。
	CommandRollback Command = "rollback"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "migrate":
		if len(args) > 1 && args[1] == "down" {
			return CommandRollback
		}
		return CommandMigrate
	case "rollback":
		return CommandRollback
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// needsDatabase はストレージDBへの接続が必須のコマンドかを返す。
func (c Command) needsDatabase() bool {
	return c == CommandMigrate || c == CommandRollback
}

package migrations

import "embed"

// Files 暴露积分账本的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Package render は外部レンダーエンジン (melt) を子プロセスとして起動し、
// 出力行からフレーム単位の進捗を推定します。
//
// 総フレーム数はプロジェクトファイルのタイミング宣言から起動前に一度だけ見積もり、
// 現在位置はエンジンの出力行を順序付きパターンで解析して更新します。
package render

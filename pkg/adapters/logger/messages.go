package logger

import "github.com/ideamans/go-l10n"

func init() {
	l10n.Register("ja", l10n.LexiconMap{
		// Session lifecycle (info)
		"Starting to read %s":         "%s の読み込みを開始します",
		"Source has %d tracks":        "ソースには %d 個のトラックがあります",
		"Selected track %d (%s, %dx%d)": "トラック %d を選択しました (%s, %dx%d)",
		"Decoding %s %dx%d":           "%s %dx%d をデコード中",
		"Release requested in state %s": "状態 %s で解放が要求されました",
		"Session %s after %d frames":  "%[2]d フレーム後にセッションが %[1]s になりました",

		// Session problems
		"Session failed: %s":                      "セッションが失敗しました: %s",
		"Decoder error: %v":                       "デコーダーエラー: %v",
		"Decoder error: %v (%d similar errors suppressed)": "デコーダーエラー: %v (同様のエラー %d 件を抑制)",
		"Aborting session after decoder error: %v": "デコーダーエラーのためセッションを中止します: %v",
		"Frame callback panicked: %v":             "フレームコールバックがパニックしました: %v",
		"Recovered panic on %s queue: %v":         "%s キューでパニックから回復しました: %v",
		"Failed to close source: %v":              "ソースのクローズに失敗しました: %v",
		"Failed to save frame %d: %v":             "フレーム %d の保存に失敗しました: %v",
		"Failed to stop decoder: %v":              "デコーダーの停止に失敗しました: %v",
		"Failed to unselect track %d: %v":         "トラック %d の選択解除に失敗しました: %v",

		// Demux source (debug)
		"Opened %s: %d tracks, fragmented=%v":     "%s を開きました: トラック %d 個, fragmented=%v",
		"Read %d samples before end of stream":    "ストリーム終端までに %d サンプルを読み込みました",
		"Queued %d samples, signalling end of stream": "%d サンプルをキューに入れ、ストリーム終端を通知します",

		// Decoder (debug)
		"Configured %s decoder for %dx%d":         "%[2]dx%[3]d 用に %[1]s デコーダーを設定しました",
		"Started %s for %s %dx%d":                 "%s を %s %dx%d 用に起動しました",
		"Decoder output format: %s %dx%d":         "デコーダー出力形式: %s %dx%d",
		"Decoder reached end of stream after %d frames": "デコーダーは %d フレーム後にストリーム終端に達しました",
		"Decoder released":                        "デコーダーを解放しました",

		// Conversion and repacking (debug)
		"Created texture %d with %s correction":   "%[2]s 補正でテクスチャ %[1]d を作成しました",
		"Released texture after %d conversions":   "%d 回の変換後にテクスチャを解放しました",
		"Frame conversion failed: %v":             "フレーム変換に失敗しました: %v",
		"Failed to acquire image: %v":             "イメージの取得に失敗しました: %v",
		"Failed to repack image: %v":              "イメージの再パックに失敗しました: %v",
		"Released more %s resources than were created": "作成した数より多くの %s リソースが解放されました",
	})
}

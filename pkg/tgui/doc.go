// Package tgui provides small Telegram UI helpers:
//   - Inline and reply keyboard builders
//   - Callback data helpers (scope:action:payload)
//   - An HTML-safe message builder
//   - A TTL keyed store for per-chat conversation state
package tgui

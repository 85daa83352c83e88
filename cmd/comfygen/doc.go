// Command comfygen runs ComfyUI API-format workflows from the terminal.
//
// It loads a workflow (JSON or a PNG carrying one), applies edits and
// uploads, submits it, follows progress over the server's WebSocket and
// downloads the resulting image. Finished runs are recorded in a local
// SQLite journal.
package main

// Package ui provides terminal UI components for the dtp-server and
// dtp-client commands.
//
// Two kinds of output are provided:
//
//   - Printer: one-shot styled output (command header, success and error
//     boxes) for commands that run once and exit
//   - ChatModel: an interactive Bubble Tea screen that shows messages from
//     the server and sends what the user types
//
// # Chat Screen
//
// ChatModel does not know about the network. It takes a Sender for
// outgoing messages and a channel of events (Receive and Disconnect) for
// incoming ones:
//
//	c := client.New(client.Options{})
//	events := c.Subscribe(event.Receive, event.Disconnect)
//	if err := c.Connect(ctx, addr); err != nil {
//	    return err
//	}
//	defer c.Disconnect()
//
//	return ui.RunChat(ui.ChatConfig{
//	    Server:   addr,
//	    Nickname: "alice",
//	    Sender:   c,
//	    Events:   events.C,
//	})
//
// Sends run as Bubble Tea commands, off the Update goroutine.
//
// # Logging Integration
//
// zap output goes to stderr and is silent unless DTP_LOG_LEVEL is set, so
// it does not fight with the rendered screen. Redirect stderr to a file
// when debugging the chat screen.
//
// # Terminal Width
//
// Boxes are clamped between MinTerminalWidth and MaxContentWidth columns.
// When stdout is not a terminal the minimum width is used.
package ui

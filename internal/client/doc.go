// Package client implements the dialing side of the encrypted transport.
//
// Connect reads the server's one-off public key, generates a session key,
// seals it to that public key and sends it back. Every later frame in both
// directions is encrypted under the session key.
//
// # Usage Example
//
//	c := client.New(client.Options{})
//	if err := c.Connect(ctx, "127.0.0.1:29275"); err != nil {
//	    return err
//	}
//	defer c.Disconnect()
//
//	sub := c.Subscribe(event.Receive)
//	_ = c.Send("Hello, world!")
//	ev := <-sub.C
//
// # Thread Safety
//
// All methods are safe for concurrent use. Sends are serialized per
// connection.
package client

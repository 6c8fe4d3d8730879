// SPDX-License-Identifier: MIT

package tatsumaki_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tatsumaki "github.com/PandaX185/tatsumaki-go"
	"github.com/PandaX185/tatsumaki-go/chat"
	"github.com/PandaX185/tatsumaki-go/stub"
)

// Full round trip against the stub server: snapshot, history, push
// delivery, send dedup and unread reconciliation, with two users.
func TestEndToEnd(t *testing.T) {
	server := stub.NewServer()
	alice, aliceToken := server.AddUser("alice", "Alice A")
	bob, bobToken := server.AddUser("bob", "Bob B")
	team := server.AddChat("team", alice.ID, bob.ID)

	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceClient := tatsumaki.New(srv.URL, aliceToken, nil)
	session, err := aliceClient.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, alice.ID, session.User.ID)

	engine := chat.NewEngine(chat.EngineConfig{API: aliceClient, Session: session})
	require.NoError(t, engine.Bootstrap(ctx))

	entries := engine.Directory().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, team.ID, entries[0].Chat.ID)

	stream := aliceClient.Stream()
	events, err := stream.Connect(ctx)
	require.NoError(t, err)
	defer stream.Close()

	// Feed the engine from the stream the way an application would.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range events {
			engine.HandleEvent(ctx, ev)
		}
	}()

	require.NoError(t, engine.Select(ctx, team.ID))

	// Bob posts; Alice has the chat open so the message lands in her
	// timeline and the chat stays read.
	bobClient := tatsumaki.New(srv.URL, bobToken, nil)
	fromBob, err := bobClient.Send(ctx, team.ID, bob.ID, "yo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return engine.Timeline().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	msgs := engine.Timeline().Messages()
	require.Equal(t, fromBob.ID, msgs[0].ID)
	assert.Equal(t, "bob", msgs[0].SenderName)
	assert.Empty(t, engine.Directory().UnreadIDs())

	// Alice sends; the authoritative copy appends once and the push
	// echo is absorbed.
	sent, err := engine.Send(ctx, "sup")
	require.NoError(t, err)
	require.Equal(t, 2, engine.Timeline().Len())

	// Give the echo time to arrive, then confirm no duplicate.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, engine.Timeline().Len())
	ids := []string{}
	for _, m := range engine.Timeline().Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{fromBob.ID, sent.ID}, ids)

	// Alice switches away; a new message from Bob flags the chat
	// unread instead of touching the timeline.
	engine.Deselect()
	_, err = bobClient.Send(ctx, team.ID, bob.ID, "you there?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		unread := engine.Directory().UnreadIDs()
		return len(unread) == 1 && unread[0] == team.ID
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, engine.Timeline().Len())

	// Re-opening the chat pulls the full history and clears unread.
	require.NoError(t, engine.Select(ctx, team.ID))
	assert.Equal(t, 3, engine.Timeline().Len())
	assert.Empty(t, engine.Directory().UnreadIDs())

	require.NoError(t, stream.Close())
	select {
	case <-pumpDone:
	case <-time.After(5 * time.Second):
		t.Fatal("event pump did not stop after close")
	}
}

func TestEndToEnd_UnknownChatRefresh(t *testing.T) {
	server := stub.NewServer()
	alice, aliceToken := server.AddUser("alice", "Alice A")
	bob, bobToken := server.AddUser("bob", "Bob B")

	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceClient := tatsumaki.New(srv.URL, aliceToken, nil)
	session, err := aliceClient.Session(ctx)
	require.NoError(t, err)

	engine := chat.NewEngine(chat.EngineConfig{API: aliceClient, Session: session})
	require.NoError(t, engine.Bootstrap(ctx))
	require.Empty(t, engine.Directory().Entries())

	stream := aliceClient.Stream()
	events, err := stream.Connect(ctx)
	require.NoError(t, err)
	defer stream.Close()
	go func() {
		for ev := range events {
			engine.HandleEvent(ctx, ev)
		}
	}()

	// Bob creates a chat including Alice and posts to it.  Alice's
	// directory is stale until the push event forces a re-pull.
	bobClient := tatsumaki.New(srv.URL, bobToken, nil)
	created, err := bobClient.CreateChat(ctx, "surprise", []int64{alice.ID, bob.ID})
	require.NoError(t, err)
	_, err = bobClient.Send(ctx, created.ID, bob.ID, "welcome")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return engine.Directory().Contains(created.ID)
	}, 5*time.Second, 10*time.Millisecond)

	entry, ok := engine.Directory().Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "surprise", entry.Chat.Name)
	assert.True(t, entry.Unread)
}

func TestEndToEnd_AuthRejected(t *testing.T) {
	server := stub.NewServer()
	srv := httptest.NewServer(server)
	defer srv.Close()

	c := tatsumaki.New(srv.URL, "bogus", nil)
	_, err := c.FetchDirectory(context.Background())

	var authErr *tatsumaki.AuthError
	require.ErrorAs(t, err, &authErr)

	_, err = c.Stream().Connect(context.Background())
	require.ErrorAs(t, err, &authErr)
}

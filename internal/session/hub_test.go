package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubNotifiesSubscribers(t *testing.T) {
	hub := NewHub(4)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	company := "c1"
	hub.SignIn(Principal{ID: "u1", CompanyID: &company})
	hub.SignOut()

	first := <-ch
	require.NotNil(t, first.Principal)
	assert.Equal(t, "u1", first.Principal.ID)
	second := <-ch
	assert.Nil(t, second.Principal)
	assert.Nil(t, hub.Current())
}

func TestHubSlowSubscriberKeepsLatest(t *testing.T) {
	hub := NewHub(1)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.SignIn(Principal{ID: "u1"})
	hub.SignIn(Principal{ID: "u2"})

	evt := <-ch
	require.NotNil(t, evt.Principal)
	assert.Equal(t, "u2", evt.Principal.ID)
}

func TestHubCurrentIsACopy(t *testing.T) {
	hub := NewHub(1)
	company := "c1"
	hub.SignIn(Principal{ID: "u1", CompanyID: &company})

	p := hub.Current()
	*p.CompanyID = "c2"
	assert.Equal(t, "c1", *hub.Current().CompanyID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(1)
	ch, unsubscribe := hub.Subscribe()
	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	hub.SignIn(Principal{ID: "u1"})
}

func TestSameIdentityAndEqual(t *testing.T) {
	a := &Principal{ID: "u1"}
	b := &Principal{ID: "u1", RequiresPasswordChange: true}

	assert.True(t, SameIdentity(a, b))
	assert.False(t, Equal(a, b))
	assert.True(t, SameIdentity(nil, &Principal{}))
	assert.False(t, SameIdentity(a, nil))
	assert.True(t, Equal(a, a.Clone()))
	assert.True(t, Equal(nil, nil))
}

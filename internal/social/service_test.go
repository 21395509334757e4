package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/models"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []events.Delivery
}

func (p *recordingPublisher) Publish(_ context.Context, userID string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, events.Delivery{UserID: userID, Envelope: env})
	return nil
}

func (p *recordingPublisher) count(userID string, t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.sent {
		if d.UserID == userID && d.Envelope.Type == t {
			n++
		}
	}
	return n
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.User{}, &FriendEdge{}, &FriendRequest{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *Repo, *recordingPublisher) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	pub := &recordingPublisher{}
	return NewService(repo, pub, 3), repo, pub
}

func mustUser(t *testing.T, svc *Service, username string) *models.User {
	t.Helper()
	u, err := svc.RegisterUser(context.Background(), username+"@example.com", "hash", username)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return u
}

func hasFriend(edges []FriendEdge, id string) bool {
	for _, e := range edges {
		if e.FriendID == id {
			return true
		}
	}
	return false
}

func TestAddFriend_IsSymmetric(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")

	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}

	fa, err := svc.ListFriends(ctx, a.ID)
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	fb, err := svc.ListFriends(ctx, b.ID)
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	if !hasFriend(fa, b.ID) || !hasFriend(fb, a.ID) {
		t.Fatalf("friendship not symmetric: a=%v b=%v", fa, fb)
	}
	if fa[0].FriendName != "bob" {
		t.Fatalf("unexpected friend name %q", fa[0].FriendName)
	}
	if pub.count(a.ID, events.FriendAdded) != 1 || pub.count(b.ID, events.FriendAdded) != 1 {
		t.Fatalf("expected friend_added for both users, got %+v", pub.sent)
	}
}

func TestAddFriend_Errors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")

	if err := svc.AddFriend(ctx, a.ID, a.ID); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("self friendship: expected ErrInvalidArgument, got %v", err)
	}
	if err := svc.AddFriend(ctx, a.ID, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if err := svc.AddFriend(ctx, b.ID, a.ID); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate: expected ErrConflict, got %v", err)
	}

	fa, _ := svc.ListFriends(ctx, a.ID)
	if len(fa) != 1 {
		t.Fatalf("expected exactly one edge, got %d", len(fa))
	}
}

func TestRemoveFriend_DeletesEdgesAndConversation(t *testing.T) {
	svc, repo, pub := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	c := mustUser(t, svc, "carol")

	for _, p := range [][2]string{{a.ID, b.ID}, {a.ID, c.ID}} {
		if err := svc.AddFriend(ctx, p[0], p[1]); err != nil {
			t.Fatalf("add friend: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "hi b"); err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, err := svc.SendFriendMessage(ctx, b.ID, a.ID, "hi a"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := svc.SendFriendMessage(ctx, c.ID, a.ID, "unrelated"); err != nil {
		t.Fatalf("send: %v", err)
	}

	removed, err := svc.RemoveFriend(ctx, b.ID, a.ID)
	if err != nil || !removed {
		t.Fatalf("remove friend: removed=%v err=%v", removed, err)
	}

	edges, err := repo.PairEdges(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("pair edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected both edges gone, got %v", edges)
	}
	if n, _ := repo.CountMessages(ctx, ConversationKey(a.ID, b.ID)); n != 0 {
		t.Fatalf("expected conversation purged, %d messages remain", n)
	}
	if n, _ := repo.CountMessages(ctx, ConversationKey(a.ID, c.ID)); n != 1 {
		t.Fatalf("unrelated conversation touched, %d messages", n)
	}

	fa, _ := svc.ListFriends(ctx, a.ID)
	if hasFriend(fa, b.ID) || !hasFriend(fa, c.ID) {
		t.Fatalf("unexpected friends for a: %v", fa)
	}
	if pub.count(a.ID, events.FriendRemoved) != 1 || pub.count(b.ID, events.FriendRemoved) != 1 {
		t.Fatalf("expected friend_removed for both users")
	}
}

func TestRemoveFriend_IsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}

	if removed, err := svc.RemoveFriend(ctx, a.ID, b.ID); err != nil || !removed {
		t.Fatalf("first remove: removed=%v err=%v", removed, err)
	}
	removed, err := svc.RemoveFriend(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("second remove should not fail: %v", err)
	}
	if removed {
		t.Fatalf("second remove should report nothing removed")
	}
}

// simulateCrashAfterMark leaves the pair exactly as a process dying after
// phase one of RemoveFriend would.
func simulateCrashAfterMark(t *testing.T, repo *Repo, a, b string) {
	t.Helper()
	n, err := repo.MarkPairPendingDeletion(context.Background(), a, b)
	if err != nil || n != 2 {
		t.Fatalf("mark pending: n=%d err=%v", n, err)
	}
}

func TestRecoverPendingDeletions_FinishesRemoval(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	simulateCrashAfterMark(t, repo, a.ID, b.ID)

	// half removed pairs are invisible to readers
	if fa, _ := svc.ListFriends(ctx, a.ID); len(fa) != 0 {
		t.Fatalf("pending edge visible in friend list: %v", fa)
	}
	if ok, _ := svc.AreFriends(ctx, a.ID, b.ID); ok {
		t.Fatalf("pending pair reported as friends")
	}
	if _, err := svc.ListConversation(ctx, a.ID, b.ID, 10, 0); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading pending conversation, got %v", err)
	}
	if _, err := svc.SendFriendMessage(ctx, b.ID, a.ID, "late"); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("expected ErrForbidden writing pending conversation, got %v", err)
	}

	n, err := svc.RecoverPendingDeletions(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered pair, got %d", n)
	}
	if edges, _ := repo.PairEdges(ctx, a.ID, b.ID); len(edges) != 0 {
		t.Fatalf("edges resurrected or left behind: %v", edges)
	}
	if cnt, _ := repo.CountMessages(ctx, ConversationKey(a.ID, b.ID)); cnt != 0 {
		t.Fatalf("messages left behind: %d", cnt)
	}
}

func TestRemoveAndAddFriend_FinishInterruptedRemoval(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "old"); err != nil {
		t.Fatalf("send: %v", err)
	}
	simulateCrashAfterMark(t, repo, a.ID, b.ID)

	removed, err := svc.RemoveFriend(ctx, a.ID, b.ID)
	if err != nil || !removed {
		t.Fatalf("remove of pending pair: removed=%v err=%v", removed, err)
	}

	// re-adding after a crash starts from an empty conversation
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	simulateCrashAfterMark(t, repo, a.ID, b.ID)
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add over pending pair: %v", err)
	}
	msgs, err := svc.ListConversation(ctx, a.ID, b.ID, 10, 0)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("old messages survived the interrupted removal: %v", msgs)
	}
}

func TestRemoveFriend_ReadersNeverSeeMixedState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	const total = 20
	for i := 0; i < total; i++ {
		if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	bad := make(chan string, 16)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				msgs, err := svc.ListConversation(ctx, b.ID, a.ID, 100, 0)
				switch {
				case errors.Is(err, common.ErrForbidden):
					return
				case err != nil:
					bad <- err.Error()
					return
				case len(msgs) != total:
					bad <- fmt.Sprintf("saw %d of %d messages while still friends", len(msgs), total)
					return
				}
			}
		}()
	}

	if _, err := svc.RemoveFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	close(stop)
	wg.Wait()
	close(bad)
	for msg := range bad {
		t.Fatal(msg)
	}
}

func TestCheckUsernameUnique(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")

	cases := []struct {
		candidate string
		excluding string
		want      bool
	}{
		{"alice", "", false},
		{"alice", a.ID, true},
		{"Alice", "", true},
		{"bob", "", true},
		{" alice ", "", false},
	}
	for _, tc := range cases {
		got, err := svc.CheckUsernameUnique(ctx, tc.candidate, tc.excluding)
		if err != nil {
			t.Fatalf("check %q: %v", tc.candidate, err)
		}
		if got != tc.want {
			t.Fatalf("check %q excluding %q: got %v want %v", tc.candidate, tc.excluding, got, tc.want)
		}
	}

	if _, err := svc.CheckUsernameUnique(ctx, "   ", ""); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("blank candidate: expected ErrInvalidArgument, got %v", err)
	}

	// a check that says free must agree with the write path
	b := mustUser(t, svc, "bobby")
	if ok, err := svc.CheckUsernameUnique(ctx, " alice", b.ID); err != nil || ok {
		t.Fatalf("padded taken name reported free: ok=%v err=%v", ok, err)
	}
	if _, err := svc.UpdateProfile(ctx, b.ID, ProfileUpdate{Username: " alice"}); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("padded taken name: expected ErrConflict, got %v", err)
	}
}

func TestUpdateProfile_ConcurrentUsernameRaceHasOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const racers = 8
	users := make([]*models.User, racers)
	for i := range users {
		users[i] = mustUser(t, svc, fmt.Sprintf("user%d", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		other     []error
	)
	for _, u := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// every racer sees the name as free before writing
			if ok, err := svc.CheckUsernameUnique(ctx, "coveted", id); err != nil || !ok {
				mu.Lock()
				other = append(other, fmt.Errorf("precheck ok=%v err=%v", ok, err))
				mu.Unlock()
			}
			_, err := svc.UpdateProfile(ctx, id, ProfileUpdate{Username: "coveted"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, common.ErrConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}(u.ID)
	}
	wg.Wait()

	for _, err := range other {
		// a late precheck may already see the winner; only write errors matter
		if !strings.HasPrefix(err.Error(), "precheck") {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || conflicts != racers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", racers-1, winners, conflicts)
	}
}

func TestUpdateProfile_ValidatesAndRefreshesFriendName(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}

	if _, err := svc.UpdateProfile(ctx, b.ID, ProfileUpdate{Username: "  "}); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("empty username: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.UpdateProfile(ctx, b.ID, ProfileUpdate{Username: "bob", Gender: "robot"}); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("bad gender: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.UpdateProfile(ctx, b.ID, ProfileUpdate{Username: "alice"}); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("taken username: expected ErrConflict, got %v", err)
	}

	u, err := svc.UpdateProfile(ctx, b.ID, ProfileUpdate{Username: "bob", Name: "Robert", Bio: "hi", Gender: "male"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.Gender != models.GenderMale || u.Name != "Robert" {
		t.Fatalf("unexpected profile %+v", u)
	}

	fa, _ := svc.ListFriends(ctx, a.ID)
	if len(fa) != 1 || fa[0].FriendName != "Robert" {
		t.Fatalf("friend name snapshot not refreshed: %+v", fa)
	}
}

func TestFriendRequestFlow(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")
	c := mustUser(t, svc, "carol")

	req, accepted, err := svc.SendFriendRequest(ctx, a.ID, b.ID)
	if err != nil || accepted {
		t.Fatalf("send request: accepted=%v err=%v", accepted, err)
	}
	if pub.count(b.ID, events.FriendRequest) != 1 {
		t.Fatalf("expected friend_request notification for recipient")
	}
	if _, _, err := svc.SendFriendRequest(ctx, a.ID, b.ID); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate request: expected ErrConflict, got %v", err)
	}

	incoming, err := svc.ListFriendRequests(ctx, b.ID)
	if err != nil || len(incoming) != 1 || incoming[0].ID != req.ID {
		t.Fatalf("incoming requests: %v err=%v", incoming, err)
	}

	if err := svc.AcceptFriendRequest(ctx, a.ID, req.ID); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("sender accepting: expected ErrForbidden, got %v", err)
	}
	if err := svc.DeclineFriendRequest(ctx, c.ID, req.ID); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("third party declining: expected ErrForbidden, got %v", err)
	}
	if err := svc.AcceptFriendRequest(ctx, b.ID, req.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ok, _ := svc.AreFriends(ctx, b.ID, a.ID); !ok {
		t.Fatalf("expected friendship after accept")
	}
	if err := svc.AcceptFriendRequest(ctx, b.ID, req.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("accepting twice: expected ErrNotFound, got %v", err)
	}

	// crossing requests befriend immediately
	if _, accepted, err := svc.SendFriendRequest(ctx, c.ID, a.ID); err != nil || accepted {
		t.Fatalf("c->a: accepted=%v err=%v", accepted, err)
	}
	if _, accepted, err := svc.SendFriendRequest(ctx, a.ID, c.ID); err != nil || !accepted {
		t.Fatalf("a->c: accepted=%v err=%v", accepted, err)
	}
	if ok, _ := svc.AreFriends(ctx, c.ID, a.ID); !ok {
		t.Fatalf("expected crossing requests to create friendship")
	}
	if left, _ := svc.ListFriendRequests(ctx, a.ID); len(left) != 0 {
		t.Fatalf("crossing request left behind: %v", left)
	}
}

func TestConversation_RequiresFriendshipAndOrders(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	a := mustUser(t, svc, "alice")
	b := mustUser(t, svc, "bob")

	if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "hi"); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("strangers: expected ErrForbidden, got %v", err)
	}
	if err := svc.AddFriend(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, "   "); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("blank: expected ErrInvalidArgument, got %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := svc.SendFriendMessage(ctx, a.ID, b.ID, text); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}

	msgs, err := svc.ListConversation(ctx, b.ID, a.ID, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "three" || msgs[1].Text != "two" {
		t.Fatalf("unexpected page: %+v", msgs)
	}
	older, err := svc.ListConversation(ctx, b.ID, a.ID, 2, msgs[1].ID)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 1 || older[0].Text != "one" {
		t.Fatalf("unexpected older page: %+v", older)
	}
	if pub.count(b.ID, events.FriendMessage) != 3 {
		t.Fatalf("expected 3 friend_message notifications")
	}
}

func TestRegisterUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.RegisterUser(ctx, "x@example.com", "hash", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(u.Username) != 11 || len(u.ID) != 26 {
		t.Fatalf("unexpected generated user %+v", u)
	}
	if _, err := svc.RegisterUser(ctx, "x@example.com", "hash", ""); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate email: expected ErrConflict, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "y@example.com", "hash", u.Username); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate username: expected ErrConflict, got %v", err)
	}
}

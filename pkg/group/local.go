package group

import (
	"context"
	"slices"
)

var _ Group = (*Local)(nil)

// Local is an in-process `Group` member. Messages are copied between
// members' mailboxes, nothing goes through the network.
type Local struct {
	rank    int
	members []*Local
	mb      *Mailbox
}

// NewLocal creates `size` connected members, indexed by rank.
func NewLocal(size int) []*Local {
	members := make([]*Local, size)
	for rank := range members {
		members[rank] = &Local{
			rank:    rank,
			members: members,
			mb:      NewMailbox(),
		}
	}
	return members
}

func (l *Local) Rank() int {
	return l.rank
}

func (l *Local) Size() int {
	return len(l.members)
}

func (l *Local) Send(buf []byte, dst, tag int) Work {
	if dst < 0 || dst >= len(l.members) {
		return Completed(dst, ErrInvalidRank)
	}
	err := l.members[dst].mb.Deliver(l.rank, tag, slices.Clone(buf))
	return Completed(dst, err)
}

func (l *Local) Recv(buf []byte, src, tag int) Work {
	if src < 0 || src >= len(l.members) {
		return Completed(src, ErrInvalidRank)
	}
	return l.mb.Recv(buf, src, tag)
}

func (l *Local) RecvAny(buf []byte, tag int) Work {
	return l.mb.Recv(buf, AnySource, tag)
}

func (l *Local) AllGather(ctx context.Context, in []byte) ([][]byte, error) {
	return AllGather(ctx, l, in)
}

func (l *Local) Barrier(ctx context.Context) error {
	return Barrier(ctx, l)
}

// Close fails pending and future receives of this member.
func (l *Local) Close() error {
	l.mb.Close()
	return nil
}

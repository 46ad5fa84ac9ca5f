package instance

import (
	"testing"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/stretchr/testify/require"
)

type counterBean struct{ n int }

func (c *counterBean) Reset() { c.n = 0 }

func TestPhaseStack(t *testing.T) {
	inst := New(1, &counterBean{}, EntityRules)
	require.Equal(t, PhaseNone, inst.Phase())

	popBusiness := inst.EnterPhase(PhaseBusiness)
	popStore := inst.EnterPhase(PhaseStore)
	require.Equal(t, PhaseStore, inst.Phase())

	popStore()
	require.Equal(t, PhaseBusiness, inst.Phase())
	popBusiness()
	require.Equal(t, PhaseNone, inst.Phase())
}

func TestCheckRules(t *testing.T) {
	inst := New(1, &counterBean{}, EntityRules)

	tests := []struct {
		phase Phase
		op    Operation
		ok    bool
	}{
		{PhaseCreate, OpGetPrimaryKey, false},
		{PhasePostCreate, OpGetPrimaryKey, true},
		{PhaseBusiness, OpSetRollbackOnly, true},
		{PhaseActivate, OpSetRollbackOnly, false},
		{PhasePassivate, OpGetPrimaryKey, true},
		{PhaseSetContext, OpGetHome, true},
		{PhaseSetContext, OpGetPrimaryKey, false},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String()+"/"+tt.op.String(), func(t *testing.T) {
			pop := inst.EnterPhase(tt.phase)
			defer pop()
			err := inst.Check(tt.op)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrIllegalState)
			}
		})
	}
}

func TestPhaseSet(t *testing.T) {
	s := Phases(PhaseLoad, PhaseStore)
	require.True(t, s.Has(PhaseLoad))
	require.False(t, s.Has(PhaseCreate))
	require.True(t, s.Union(Phases(PhaseCreate)).Has(PhaseCreate))
	require.Equal(t, "{Load,Store}", s.String())
}

func TestReset(t *testing.T) {
	bean := &counterBean{n: 5}
	inst := New(3, bean, EntityRules)
	inst.SetKey(identity.MustNew("k"))
	inst.SetAssociation(AssocSynchronized)
	inst.SetValid(true)
	inst.Use()
	inst.SetPersistenceState([]byte("x"))
	inst.EnterPhase(PhaseBusiness)

	inst.Reset()

	require.False(t, inst.HasIdentity())
	require.Nil(t, inst.Transaction())
	require.Equal(t, AssocNone, inst.Association())
	require.False(t, inst.Valid())
	require.False(t, inst.InUse())
	require.Nil(t, inst.PersistenceState())
	require.Equal(t, PhaseNone, inst.Phase())
	require.Equal(t, 0, bean.n)
	require.Equal(t, uint64(3), inst.Serial())
}

func TestUsageUnderflow(t *testing.T) {
	inst := New(1, nil, nil)
	require.False(t, inst.Unuse())
	inst.Use()
	require.True(t, inst.Unuse())
	require.False(t, inst.InUse())
}

func TestCompareAndSetAssociation(t *testing.T) {
	inst := New(1, nil, nil)
	require.True(t, inst.CompareAndSetAssociation(AssocNone, AssocSyncScheduled))
	require.False(t, inst.CompareAndSetAssociation(AssocNone, AssocSynchronized))
	require.Equal(t, AssocSyncScheduled, inst.Association())
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

const (
	membershipJoin   = spec.Join
	membershipInvite = spec.Invite
	membershipLeave  = spec.Leave
	membershipBan    = spec.Ban
	membershipKnock  = "knock"
)

// membershipOf reads the membership field off an m.room.member event,
// treating an absent event as "leave" per spec.md §4.4 (a user who was
// never a member of the room has never left it, but for power-comparison
// purposes their effective state is the same as having left).
func membershipOf(ev *types.Event) string {
	if ev == nil {
		return membershipLeave
	}
	return ev.ContentValue("membership").String()
}

func joinRuleOf(ev *types.Event) string {
	if ev == nil {
		return "invite"
	}
	rule := ev.ContentValue("join_rule").String()
	if rule == "" {
		return "invite"
	}
	return rule
}

// validMembershipChange implements spec.md §4.4: whether a m.room.member
// event transitioning target from its current membership to the one
// content.membership names is authorized. tbl and the auth-context events
// are exactly the state SelectAuthEventTypes would have asked for.
func validMembershipChange(
	tbl version.Table,
	ctx *types.AuthContext,
	create *types.Event,
	creators Creators,
	event *types.Event,
) bool {
	targetUserID := *event.StateKey
	targetMember := ctx.Membership(targetUserID)
	senderMember := ctx.Membership(event.Sender)
	pl := ctx.PowerLevels()
	joinRules := ctx.JoinRules()

	targetMembership := event.ContentValue("membership").String()
	senderMembership := membershipOf(senderMember)
	senderIsJoined := senderMembership == membershipJoin
	targetCurrentMembership := membershipOf(targetMember)

	levels := newPowerLevels(pl)

	senderPower, senderHasExplicit := levels.userLevel(event.Sender)
	if !senderHasExplicit && senderIsJoined {
		senderPower, senderHasExplicit = levels.usersDefault(), true
	}
	targetPower, targetHasExplicit := levels.userLevel(targetUserID)
	if !targetHasExplicit && targetCurrentMembership == membershipJoin {
		targetPower, targetHasExplicit = levels.usersDefault(), true
	}

	if tbl.ExplicitlyPrivilegeRoomCreators {
		if creators.Contains(event.Sender) {
			senderPower, senderHasExplicit = creatorPower, true
		}
		if creators.Contains(targetUserID) {
			targetPower, targetHasExplicit = creatorPower, true
		}
	}

	joinRule := joinRuleOf(joinRules)

	authUser := event.ContentValue("join_authorised_via_users_server").String()
	userForJoinAuthValid := false
	if authUser != "" {
		authUserPower, invite := int64(0), int64(0)
		if pl != nil {
			invite = levels.invite()
			authUserPower = EffectivePowerLevel(tbl, create, creators, pl, authUser)
		}
		authUserMembership := membershipOf(ctx.Membership(authUser))
		authUserJoined := authUserMembership == membershipJoin
		okayPower := IsCreator(tbl, create, creators, authUser, pl != nil) || authUserPower >= invite
		userForJoinAuthValid = authUserJoined && okayPower
	}

	senderCreator := IsCreator(tbl, create, creators, event.Sender, pl != nil)
	targetCreator := IsCreator(tbl, create, creators, targetUserID, pl != nil)

	switch targetMembership {
	case membershipJoin:
		return validJoin(tbl, event, create, senderCreator, targetCreator, event.Sender, targetUserID,
			targetCurrentMembership, joinRule, userForJoinAuthValid)

	case membershipInvite:
		if tpi := event.ContentValue("third_party_invite"); tpi.Exists() {
			if targetCurrentMembership == membershipBan {
				return false
			}
			return verifyThirdPartyInvite(ctx, targetUserID, event.Sender, tpi)
		}
		if !senderIsJoined {
			return false
		}
		if targetCurrentMembership == membershipJoin || targetCurrentMembership == membershipBan {
			return false
		}
		return senderCreator || (senderHasExplicit && senderPower >= levels.invite())

	case membershipLeave:
		return validLeave(senderCreator, event.Sender, targetUserID, targetCurrentMembership,
			senderIsJoined, senderHasExplicit, senderPower, targetHasExplicit, targetPower, levels)

	case membershipBan:
		if !senderIsJoined {
			return false
		}
		return senderCreator || (senderHasExplicit && senderPower >= levels.ban() && targetPower < senderPower)

	case membershipKnock:
		if !tbl.AllowKnocking {
			return false
		}
		if joinRule != "knock" && joinRule != "knock_restricted" {
			return false
		}
		if joinRule == "knock_restricted" && !tbl.KnockRestrictedJoinRule {
			return false
		}
		if event.Sender != targetUserID {
			return false
		}
		if senderMembership == membershipBan || senderMembership == membershipInvite || senderMembership == membershipJoin {
			return false
		}
		return true

	default:
		return false
	}
}

func validJoin(
	tbl version.Table,
	event *types.Event,
	create *types.Event,
	senderCreator, targetCreator bool,
	sender, targetUserID string,
	targetCurrentMembership, joinRule string,
	userForJoinAuthValid bool,
) bool {
	if create != nil && len(event.PrevEvents) == 1 && event.PrevEvents[0] == create.EventID {
		if senderCreator && targetCreator {
			return true
		}
	}

	membershipAllowsJoin := targetCurrentMembership == membershipJoin || targetCurrentMembership == membershipInvite

	if sender != targetUserID {
		return false
	}
	if targetCurrentMembership == membershipBan {
		return false
	}

	switch joinRule {
	case "invite":
		return membershipAllowsJoin
	case "knock":
		if !tbl.AllowKnocking {
			return false
		}
		return membershipAllowsJoin
	case "knock_restricted":
		if !tbl.KnockRestrictedJoinRule {
			return false
		}
		return membershipAllowsJoin || userForJoinAuthValid
	case "restricted":
		if !tbl.RestrictedJoinRule {
			return false
		}
		return membershipAllowsJoin || userForJoinAuthValid
	case "public":
		return true
	default:
		return false
	}
}

func validLeave(
	senderCreator bool,
	sender, targetUserID, targetCurrentMembership string,
	senderIsJoined bool,
	senderHasExplicit bool, senderPower int64,
	targetHasExplicit bool, targetPower int64,
	levels powerLevels,
) bool {
	canUnban := true
	if targetCurrentMembership == membershipBan {
		canUnban = senderCreator || (senderHasExplicit && senderPower >= levels.ban())
	}

	canKick := true
	if targetCurrentMembership != membershipBan && targetCurrentMembership != membershipLeave {
		switch {
		case senderCreator:
			canKick = true
		case !senderHasExplicit || senderPower < levels.kick():
			canKick = false
		case targetHasExplicit:
			canKick = senderPower > targetPower
		default:
			canKick = true
		}
	}

	if sender == targetUserID {
		return targetCurrentMembership == membershipJoin ||
			targetCurrentMembership == membershipInvite ||
			targetCurrentMembership == membershipKnock
	}
	if !senderIsJoined {
		return false
	}
	return canUnban && canKick
}

// verifyThirdPartyInvite implements spec.md §4.4's third-party invite
// completion check: the invite's signed mxid must match the target, the
// room must still carry the m.room.third_party_invite event named by the
// signed token, its sender must match, and it must carry a public_keys or
// public_key entry. The signature on the signed blob is not verified here;
// only shape and provenance are checked.
func verifyThirdPartyInvite(ctx *types.AuthContext, targetUserID, sender string, tpiField gjson.Result) bool {
	mxid := tpiField.Get("signed.mxid").String()
	token := tpiField.Get("signed.token").String()
	if mxid == "" || mxid != targetUserID {
		return false
	}
	current := ctx.ThirdPartyInvite(token)
	if current == nil {
		return false
	}
	if current.Sender != sender {
		return false
	}
	return current.ContentValue("public_keys").Exists() || current.ContentValue("public_key").Exists()
}

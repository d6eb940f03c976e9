package kv_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
)

type dictionaryWithCleanup struct {
	kv.Dictionary
	cleanup func()
}

type systemResult struct {
	Value  string
	Found  bool
	Err    string
	Values dictionaryModel
}

// systemState is the model of the dictionary after a command along
// with the result that command is expected to produce
type systemState struct {
	values   dictionaryModel
	expected systemResult
}

func postCondition(state commands.State, result commands.Result) *gopter.PropResult {
	if diff := cmp.Diff(state.(systemState).expected, result); diff != "" {
		return &gopter.PropResult{Status: gopter.PropFalse, Error: errors.New(diff)}
	}

	return &gopter.PropResult{Status: gopter.PropTrue}
}

func copyModel(model dictionaryModel) dictionaryModel {
	c := make(dictionaryModel, len(model))

	for k, v := range model {
		c[k] = v
	}

	return c
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// SetCommand writes a key in its own transaction and
// either commits or rolls back.
type SetCommand struct {
	Key    string
	Value  string
	Commit bool
}

func (command SetCommand) Run(sut commands.SystemUnderTest) commands.Result {
	dictionary := sut.(*dictionaryWithCleanup)
	txn, err := dictionary.Begin(context.Background(), true)

	if err != nil {
		return systemResult{Err: errString(err)}
	}

	defer txn.Rollback()

	if err := txn.Set(command.Key, []byte(command.Value)); err != nil {
		return systemResult{Err: errString(err)}
	}

	if command.Commit {
		return systemResult{Err: errString(txn.Commit())}
	}

	return systemResult{}
}

func (command SetCommand) NextState(state commands.State) commands.State {
	model := copyModel(state.(systemState).values)

	if command.Commit {
		model[command.Key] = command.Value
	}

	return systemState{values: model}
}

func (command SetCommand) PreCondition(state commands.State) bool {
	return true
}

func (command SetCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return postCondition(state, result)
}

func (command SetCommand) String() string {
	return fmt.Sprintf("Set(%q, %q, commit=%v)", command.Key, command.Value, command.Commit)
}

// AddCommand adds a key, expecting ErrKeyExists if it is present
type AddCommand struct {
	Key   string
	Value string
}

func (command AddCommand) Run(sut commands.SystemUnderTest) commands.Result {
	dictionary := sut.(*dictionaryWithCleanup)

	return systemResult{Err: errString(kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		return txn.Add(command.Key, []byte(command.Value))
	}))}
}

func (command AddCommand) NextState(state commands.State) commands.State {
	model := copyModel(state.(systemState).values)

	if _, ok := model[command.Key]; ok {
		return systemState{values: model, expected: systemResult{Err: kv.ErrKeyExists.Error()}}
	}

	model[command.Key] = command.Value

	return systemState{values: model}
}

func (command AddCommand) PreCondition(state commands.State) bool {
	return true
}

func (command AddCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return postCondition(state, result)
}

func (command AddCommand) String() string {
	return fmt.Sprintf("Add(%q, %q)", command.Key, command.Value)
}

// RemoveCommand removes a key and reports what was removed
type RemoveCommand string

func (command RemoveCommand) Run(sut commands.SystemUnderTest) commands.Result {
	dictionary := sut.(*dictionaryWithCleanup)
	var result systemResult

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		value, ok, err := txn.TryRemove(string(command))
		result.Value = string(value)
		result.Found = ok

		return err
	})

	result.Err = errString(err)

	return result
}

func (command RemoveCommand) NextState(state commands.State) commands.State {
	model := copyModel(state.(systemState).values)
	value, ok := model[string(command)]
	delete(model, string(command))

	return systemState{values: model, expected: systemResult{Value: value, Found: ok}}
}

func (command RemoveCommand) PreCondition(state commands.State) bool {
	return true
}

func (command RemoveCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return postCondition(state, result)
}

func (command RemoveCommand) String() string {
	return fmt.Sprintf("Remove(%q)", string(command))
}

// ClearCommand clears the dictionary
type ClearCommand struct{}

func (command ClearCommand) Run(sut commands.SystemUnderTest) commands.Result {
	dictionary := sut.(*dictionaryWithCleanup)

	return systemResult{Err: errString(kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		return txn.Clear()
	}))}
}

func (command ClearCommand) NextState(state commands.State) commands.State {
	return systemState{values: dictionaryModel{}}
}

func (command ClearCommand) PreCondition(state commands.State) bool {
	return true
}

func (command ClearCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return postCondition(state, result)
}

func (command ClearCommand) String() string {
	return "Clear()"
}

// ReadCommand reads the whole dictionary and compares it to the model
type ReadCommand struct{}

func (command ReadCommand) Run(sut commands.SystemUnderTest) commands.Result {
	model, err := readDictionary(sut.(*dictionaryWithCleanup).Dictionary)

	return systemResult{Values: model, Err: errString(err)}
}

func (command ReadCommand) NextState(state commands.State) commands.State {
	values := state.(systemState).values

	return systemState{values: values, expected: systemResult{Values: copyModel(values)}}
}

func (command ReadCommand) PreCondition(state commands.State) bool {
	return true
}

func (command ReadCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return postCondition(state, result)
}

func (command ReadCommand) String() string {
	return "Read()"
}

func genKey() gopter.Gen {
	return gen.OneConstOf("Order^1", "Order^2", "Order^3", "Customer^1", "Customer^2")
}

func genCommand() gopter.Gen {
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 4, Gen: gopter.CombineGens(genKey(), gen.Identifier(), gen.Bool()).Map(func(values []interface{}) commands.Command {
			return SetCommand{Key: values[0].(string), Value: values[1].(string), Commit: values[2].(bool)}
		})},
		{Weight: 2, Gen: gopter.CombineGens(genKey(), gen.Identifier()).Map(func(values []interface{}) commands.Command {
			return AddCommand{Key: values[0].(string), Value: values[1].(string)}
		})},
		{Weight: 2, Gen: genKey().Map(func(key string) commands.Command {
			return RemoveCommand(key)
		})},
		{Weight: 1, Gen: gen.Const(ClearCommand{}).Map(func(c ClearCommand) commands.Command { return c })},
		{Weight: 3, Gen: gen.Const(ReadCommand{}).Map(func(c ReadCommand) commands.Command { return c })},
	})
}

func testSystem(builder tempStoreBuilder, t *testing.T) {
	var cbCommands = &commands.ProtoCommands{
		NewSystemUnderTestFunc: func(initialState commands.State) commands.SystemUnderTest {
			dictionary, _, cleanup := builder(t, nil)

			return &dictionaryWithCleanup{Dictionary: dictionary, cleanup: cleanup}
		},
		DestroySystemUnderTestFunc: func(sut commands.SystemUnderTest) {
			sut.(*dictionaryWithCleanup).cleanup()
		},
		InitialStateGen: gen.Const(systemState{values: dictionaryModel{}}),
		InitialPreConditionFunc: func(state commands.State) bool {
			return true
		},
		GenCommandFunc: func(state commands.State) gopter.Gen {
			return genCommand()
		},
	}

	parameters := gopter.DefaultTestParametersWithSeed(1234)
	parameters.MinSuccessfulTests = 50
	parameters.MaxSize = 30
	properties := gopter.NewProperties(parameters)
	properties.Property("", commands.Prop(cbCommands))
	properties.TestingRun(t)
}
